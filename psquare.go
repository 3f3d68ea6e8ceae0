package taskloop

// quantileEstimator implements the P-Square streaming quantile algorithm
// (Jain & Chlamtac, CACM 28(10), 1985): O(1) per observation and O(1)
// retrieval, no stored samples. Five markers track the minimum, the target
// quantile, its halfway neighbours, and the maximum; marker heights are
// nudged toward their desired positions with a parabolic fit, falling back
// to linear interpolation when the parabola would cross a neighbour.
//
// Not safe for concurrent use; the owner synchronizes.
type quantileEstimator struct {
	target  float64
	heights [5]float64
	pos     [5]int
	want    [5]float64
	step    [5]float64
	warmup  [5]float64
	seen    int
}

func newQuantileEstimator(target float64) *quantileEstimator {
	if target < 0 {
		target = 0
	} else if target > 1 {
		target = 1
	}
	return &quantileEstimator{
		target: target,
		step:   [5]float64{0, target / 2, target, (1 + target) / 2, 1},
	}
}

func (e *quantileEstimator) observe(x float64) {
	e.seen++
	if e.seen <= 5 {
		e.warmup[e.seen-1] = x
		if e.seen == 5 {
			e.prime()
		}
		return
	}

	// locate the cell holding x, extending the extremes as needed
	var k int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		k = 0
	case x >= e.heights[4]:
		e.heights[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.heights[k] <= x && x < e.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := range e.want {
		e.want[i] += e.step[i]
	}

	for i := 1; i < 4; i++ {
		d := e.want[i] - float64(e.pos[i])
		if (d >= 1 && e.pos[i+1]-e.pos[i] > 1) || (d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			h := e.parabolic(i, sign)
			if !(e.heights[i-1] < h && h < e.heights[i+1]) {
				h = e.linear(i, sign)
			}
			e.heights[i] = h
			e.pos[i] += sign
		}
	}
}

// prime sorts the warmup buffer and seeds the markers from it.
func (e *quantileEstimator) prime() {
	for i := 1; i < 5; i++ {
		key := e.warmup[i]
		j := i - 1
		for j >= 0 && e.warmup[j] > key {
			e.warmup[j+1] = e.warmup[j]
			j--
		}
		e.warmup[j+1] = key
	}
	for i := range e.heights {
		e.heights[i] = e.warmup[i]
		e.pos[i] = i
	}
	e.want = [5]float64{0, 2 * e.target, 4 * e.target, 2 + 2*e.target, 4}
}

func (e *quantileEstimator) parabolic(i, sign int) float64 {
	d := float64(sign)
	p0 := float64(e.pos[i-1])
	p1 := float64(e.pos[i])
	p2 := float64(e.pos[i+1])
	a := d / (p2 - p0)
	b := (p1 - p0 + d) * (e.heights[i+1] - e.heights[i]) / (p2 - p1)
	c := (p2 - p1 - d) * (e.heights[i] - e.heights[i-1]) / (p1 - p0)
	return e.heights[i] + a*(b+c)
}

func (e *quantileEstimator) linear(i, sign int) float64 {
	if sign == 1 {
		return e.heights[i] + (e.heights[i+1]-e.heights[i])/float64(e.pos[i+1]-e.pos[i])
	}
	return e.heights[i] - (e.heights[i]-e.heights[i-1])/float64(e.pos[i]-e.pos[i-1])
}

// estimate returns the current quantile estimate. During warmup it falls
// back to the nearest-rank value of the few observations seen so far.
func (e *quantileEstimator) estimate() float64 {
	if e.seen == 0 {
		return 0
	}
	if e.seen < 5 {
		sorted := make([]float64, e.seen)
		copy(sorted, e.warmup[:e.seen])
		for i := 1; i < len(sorted); i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(e.seen-1) * e.target)
		return sorted[idx]
	}
	return e.heights[2]
}
