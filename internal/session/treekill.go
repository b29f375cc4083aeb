package session

import ps "github.com/mitchellh/go-ps"

// descendants returns every process below root in procs, parents before
// children. root itself is not included.
func descendants(root int, procs []ps.Process) []int {
	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		if p.Pid() == p.PPid() {
			continue
		}
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}

	var out []int
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}
