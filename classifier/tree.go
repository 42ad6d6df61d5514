package classifier

import (
	"context"
	"fmt"
)

// TreeNode is one node of a flattened binary decision tree. Children are
// indexes into the node slice; leaves carry the class label.
type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	ClassLabel int     `json:"class_label"`
	IsLeaf     bool    `json:"is_leaf"`
}

type DecisionTree struct {
	nodes []TreeNode
	width int
}

func newDecisionTree(a *Artifact) (*DecisionTree, error) {
	if len(a.Nodes) == 0 {
		return nil, fmt.Errorf("%w: tree has no nodes", ErrArtifactCorrupt)
	}
	width := len(a.FeatureNames)
	for i, n := range a.Nodes {
		if n.IsLeaf {
			continue
		}
		if n.LeftChild <= i || n.LeftChild >= len(a.Nodes) || n.RightChild <= i || n.RightChild >= len(a.Nodes) {
			return nil, fmt.Errorf("%w: node %d has invalid children", ErrArtifactCorrupt, i)
		}
		if n.FeatureIdx < 0 || (width > 0 && n.FeatureIdx >= width) {
			return nil, fmt.Errorf("%w: node %d splits on feature %d", ErrArtifactCorrupt, i, n.FeatureIdx)
		}
	}
	return &DecisionTree{nodes: append([]TreeNode(nil), a.Nodes...), width: width}, nil
}

func (dt *DecisionTree) Predict(ctx context.Context, rows [][]float64) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return safePredict(func() ([]int, error) {
		labels := make([]int, len(rows))
		for i, row := range rows {
			if dt.width > 0 && len(row) != dt.width {
				return nil, fmt.Errorf("%w: row %d has %d values, model expects %d", ErrFeatureMismatch, i, len(row), dt.width)
			}
			label, err := dt.classify(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			labels[i] = label
		}
		return labels, nil
	})
}

// classify walks from the root. Children always sit after their parent, so
// the walk terminates.
func (dt *DecisionTree) classify(features []float64) (int, error) {
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node.ClassLabel, nil
		}
		if node.FeatureIdx >= len(features) {
			return 0, ErrFeatureMismatch
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}
