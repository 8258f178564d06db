package optimizer

import "sort"

// archive keeps the non-dominated feasible solutions seen so far, bounded
// by size. Members are private copies keyed by the allocation they encode.
type archive struct {
	size    int
	key     func(genome) string
	members map[string]*individual
}

func newArchive(size int, key func(genome) string) *archive {
	return &archive{size: size, key: key, members: make(map[string]*individual)}
}

func (a *archive) addAll(pop []*individual) {
	for _, ind := range pop {
		a.add(ind)
	}
	a.truncate()
}

func (a *archive) add(ind *individual) {
	if !ind.eval.feasible {
		return
	}
	key := a.key(ind.genome)
	if _, ok := a.members[key]; ok {
		return
	}
	v := ind.eval.vector()
	for k, m := range a.members {
		mv := m.eval.vector()
		if dominates(mv, v) {
			return
		}
		if dominates(v, mv) {
			delete(a.members, k)
		}
	}
	a.members[key] = &individual{genome: ind.genome.clone(), eval: ind.eval}
}

// truncate drops the most crowded members until the archive fits.
func (a *archive) truncate() {
	if len(a.members) <= a.size {
		return
	}
	list := a.list()
	assignCrowding(list)
	sort.SliceStable(list, func(i, j int) bool { return list[i].crowding > list[j].crowding })
	for _, ind := range list[a.size:] {
		delete(a.members, a.key(ind.genome))
	}
}

// list returns the members in a deterministic order: coverage desc, then
// response time, resource count and risk ascending, then genome.
func (a *archive) list() []*individual {
	out := make([]*individual, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m)
	}
	sortIndividuals(out)
	return out
}

func sortIndividuals(list []*individual) {
	sort.Slice(list, func(i, j int) bool {
		vi, vj := list[i].eval.vector(), list[j].eval.vector()
		for m := range vi {
			if vi[m] != vj[m] {
				return vi[m] < vj[m]
			}
		}
		return list[i].genome.key() < list[j].genome.key()
	})
}
