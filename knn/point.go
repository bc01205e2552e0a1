package knn

import "github.com/biogo/store/kdtree"

// vecPoint is a kd-tree point carrying its cell index.
type vecPoint struct {
	vec []float64
	id  int32
}

func (p vecPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vecPoint)
	return p.vec[d] - q.vec[d]
}

func (p vecPoint) Dims() int { return len(p.vec) }

// Distance returns the squared Euclidean distance, matching the kd-tree's
// distance convention. Neighbor ordering is unaffected by the square.
func (p vecPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(vecPoint)
	var sum float64
	for i, v := range p.vec {
		d := v - q.vec[i]
		sum += d * d
	}
	return sum
}

type vecPoints []vecPoint

func (p vecPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p vecPoints) Len() int                      { return len(p) }
func (p vecPoints) Pivot(d kdtree.Dim) int {
	return vecPlane{vecPoints: p, Dim: d}.Pivot()
}
func (p vecPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// vecPlane sorts vecPoints along one dimension for tree construction.
type vecPlane struct {
	kdtree.Dim
	vecPoints
}

func (p vecPlane) Less(i, j int) bool {
	return p.vecPoints[i].vec[p.Dim] < p.vecPoints[j].vec[p.Dim]
}
func (p vecPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p vecPlane) Slice(start, end int) kdtree.SortSlicer {
	p.vecPoints = p.vecPoints[start:end]
	return p
}
func (p vecPlane) Swap(i, j int) {
	p.vecPoints[i], p.vecPoints[j] = p.vecPoints[j], p.vecPoints[i]
}
