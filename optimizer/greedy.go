package optimizer

// greedyGenome gives every slot its top-ranked candidate and then repairs
// capacity conflicts. It is deterministic.
func greedyGenome(p *Problem) genome {
	slots := p.genes()
	g := make(genome, len(slots))
	for i, s := range slots {
		g[i] = s.candidates[0]
	}
	p.repair(g)
	return g
}
