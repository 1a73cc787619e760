package ann

import (
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// sphericalKMeans clusters vectors by cosine similarity. It returns unit-length
// centroids and, for each vector, the index of its centroid.
func sphericalKMeans(vectors [][]float32, k, iterations int, seed uint64) ([][]float32, []int) {
	unit := make([][]float32, len(vectors))
	for i, v := range vectors {
		unit[i] = normalize(v)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	centers := seedPlusPlus(unit, k, rng)

	assign := make([]int, len(unit))
	for i := range assign {
		assign[i] = -1
	}
	best := make([]float64, len(unit))

	for it := 0; it < iterations; it++ {
		if assignAll(unit, centers, assign, best) == 0 {
			break
		}
		centers = recompute(unit, centers, assign, best)
	}
	assignAll(unit, centers, assign, best)

	return centers, assign
}

// seedPlusPlus picks k initial centers, each with probability proportional to
// its cosine distance from the nearest center chosen so far.
func seedPlusPlus(unit [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(unit)
	centers := make([][]float32, 0, k)
	centers = append(centers, unit[rng.IntN(n)])

	dist := make([]float64, n)
	for i, v := range unit {
		dist[i] = cosineDistance(v, centers[0])
	}

	for len(centers) < k {
		var total float64
		for _, d := range dist {
			total += d
		}

		next := rng.IntN(n)
		if total > 0 {
			r := rng.Float64() * total
			for i, d := range dist {
				r -= d
				if r <= 0 {
					next = i
					break
				}
			}
		}

		c := unit[next]
		centers = append(centers, c)
		for i, v := range unit {
			if d := cosineDistance(v, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centers
}

// assignAll moves every vector to its most similar center and reports how many moved.
func assignAll(unit, centers [][]float32, assign []int, best []float64) int {
	workers := runtime.GOMAXPROCS(0)
	chunk := (len(unit) + workers - 1) / workers
	changed := make([]int, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(unit))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				c, s := nearest(unit[i], centers)
				best[i] = s
				if assign[i] != c {
					assign[i] = c
					changed[w]++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, c := range changed {
		total += c
	}
	return total
}

// recompute averages each cluster. A cluster left empty is reseeded with the
// vector that currently fits its own center worst.
func recompute(unit, centers [][]float32, assign []int, best []float64) [][]float32 {
	dim := len(unit[0])
	sums := make([][]float64, len(centers))
	counts := make([]int, len(centers))
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, v := range unit {
		c := assign[i]
		counts[c]++
		for j, f := range v {
			sums[c][j] += float64(f)
		}
	}

	taken := make(map[int]bool)
	out := make([][]float32, len(centers))
	for c := range centers {
		if counts[c] > 0 {
			if mean := normalize64(sums[c]); mean != nil {
				out[c] = mean
				continue
			}
		}

		worst := -1
		for i := range unit {
			if taken[i] {
				continue
			}
			if worst < 0 || best[i] < best[worst] {
				worst = i
			}
		}
		if worst < 0 {
			out[c] = centers[c]
			continue
		}
		taken[worst] = true
		out[c] = unit[worst]
	}
	return out
}

func nearest(v []float32, centers [][]float32) (int, float64) {
	bestC, bestS := 0, math.Inf(-1)
	for c, center := range centers {
		if s := dot(v, center); s > bestS {
			bestC, bestS = c, s
		}
	}
	return bestC, bestS
}

func cosineDistance(a, b []float32) float64 {
	d := 1 - dot(a, b)
	if d < 0 {
		return 0
	}
	return d
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

func normalize64(v []float64) []float32 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	if sum == 0 {
		return nil
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f * inv)
	}
	return out
}
