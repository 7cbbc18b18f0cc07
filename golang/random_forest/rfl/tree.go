package rfl

import (
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//TreeNode is a node of a tree. Tree is stored in an array. LeftIndex and RightIndex are equal to -1
//when the current node is a leaf otherwise they contain array indices of children.
//A leaf node contains LeafIndex that is an index of the LeafNodes array.
type TreeNode struct {
	TreeNodeId            int
	FeatureNumber         int
	Threshold             float64
	Mse                   float64
	LeftIndex, RightIndex int // -1, -1 if it is a leaf
	LeafIndex             int // -1 if it is a non-leaf tree node
	NumberOfObjects       int
}

//GraphDescription returns the description of a tree node for tree rendering as a graph
func (node TreeNode) GraphDescription() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln("#", node.NumberOfObjects))
	sb.WriteString(fmt.Sprintln("id: ", node.TreeNodeId))
	sb.WriteString(fmt.Sprintln("mse: ", node.Mse))
	sb.WriteString(fmt.Sprintf("f_%d < %6.5f", node.FeatureNumber, node.Threshold))
	return sb.String()
}

func NewTreeNode(treeNodeId int) TreeNode {
	return TreeNode{TreeNodeId: treeNodeId, FeatureNumber: -1, LeftIndex: -1, RightIndex: -1, LeafIndex: -1}
}

//NewTreeNodeFromSplitInfo creates a new tree node and extract a features index and a split threshold
//from a BestSplit object.
func NewTreeNodeFromSplitInfo(splitInfo BestSplit, treeNodeId int) TreeNode {
	treeNode := NewTreeNode(treeNodeId)
	treeNode.FeatureNumber = splitInfo.FeatureIndex
	treeNode.Threshold = splitInfo.Threshold
	treeNode.Mse = splitInfo.Mse
	treeNode.NumberOfObjects = splitInfo.NumberOfObjects
	return treeNode
}

//IsLeaf returns whether this node is a leaf: a node without children.
func (node TreeNode) IsLeaf() bool {
	return node.LeftIndex == -1 && node.RightIndex == -1
}

//LeafNode stores leaf-related information: the prediction and the training records that reached the leaf.
//A leaf that no training record reached has NumberOfObjects == 0 and a NaN Value.
type LeafNode struct {
	LeafNodeId      int
	Value           float64
	RecordIds       []int
	NumberOfObjects int
}

//GraphDescription returns the description of a leaf node for tree rendering as a graph
func (node LeafNode) GraphDescription() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln("id: ", node.LeafNodeId))
	sb.WriteString(fmt.Sprintf("value: %6.2f\n", node.Value))
	sb.WriteString(fmt.Sprintln("#", node.NumberOfObjects))
	return sb.String()
}

//TreeParams limits the growth of a tree. A nil field means no limit.
type TreeParams struct {
	MaxDepth       *int
	MinSamplesLeaf *int
}

func (params TreeParams) validate() error {
	if params.MaxDepth != nil && *params.MaxDepth < 0 {
		return invalidInput("negative max depth %d", *params.MaxDepth)
	}
	if params.MinSamplesLeaf != nil && *params.MinSamplesLeaf < 0 {
		return invalidInput("negative min samples leaf %d", *params.MinSamplesLeaf)
	}
	return nil
}

//OneTree describes one regression tree.
type OneTree struct {
	NFeatures int
	Params    TreeParams
	TreeNodes []TreeNode
	LeafNodes []LeafNode

	threadsNum int
}

//GetLeafDescription returns the description of a leaf node
func (tree OneTree) GetLeafDescription(ind int) string {
	return tree.LeafNodes[tree.TreeNodes[ind].LeafIndex].GraphDescription()
}

//GetNodeDescription returns the description of an internal node
func (tree OneTree) GetNodeDescription(ind int) string {
	return tree.TreeNodes[ind].GraphDescription()
}

//NewTree fits a regression tree to all rows of the matrix.
//Features of the matrix are scanned by threadsNum goroutines at every node.
func NewTree(rm RMatrix, params TreeParams, threadsNum int) (OneTree, error) {
	h, _, err := rm.validatedDimensions()
	if err != nil {
		return OneTree{}, err
	}
	if err := params.validate(); err != nil {
		return OneTree{}, err
	}
	return newTreeFromRows(rm, identityIds(h), params, threadsNum), nil
}

//newTreeFromRows builds a tree from a multiset of rows of an already validated matrix.
func newTreeFromRows(rm RMatrix, rows []int, params TreeParams, threadsNum int) (oneTree OneTree) {
	_, oneTree.NFeatures = rm.Features.Dims()
	oneTree.Params = params
	oneTree.TreeNodes = make([]TreeNode, 0)
	oneTree.LeafNodes = make([]LeafNode, 0)
	oneTree.threadsNum = threadsNum

	(&oneTree).BuildTree(rm, rows, 0)
	return
}

//BuildTree recurrently builds a tree node from the given rows and returns its index.
func (oneTree *OneTree) BuildTree(rm RMatrix, rows []int, currentDepth int) int {
	if len(rows) == 0 {
		// unreachable while FindSplit keeps both sides of a split non-empty
		return oneTree.appendLeaf(rm, rows, math.NaN())
	}

	targets := make([]float64, len(rows))
	for ind, row := range rows {
		targets[ind] = rm.targetAt(row)
	}

	if sameValues(targets) {
		return oneTree.appendLeaf(rm, rows, targets[0])
	}
	if oneTree.Params.MaxDepth != nil && currentDepth >= *oneTree.Params.MaxDepth {
		return oneTree.appendLeaf(rm, rows, stat.Mean(targets, nil))
	}
	if oneTree.Params.MinSamplesLeaf != nil && len(rows) <= *oneTree.Params.MinSamplesLeaf {
		return oneTree.appendLeaf(rm, rows, stat.Mean(targets, nil))
	}

	bestSplit := TheBestSplit(rm, rows, oneTree.threadsNum)
	if bestSplit == nil {
		return oneTree.appendLeaf(rm, rows, stat.Mean(targets, nil))
	}

	treeNodeId := len(oneTree.TreeNodes)
	oneTree.TreeNodes = append(oneTree.TreeNodes, NewTreeNodeFromSplitInfo(*bestSplit, treeNodeId))
	log.Debugf("node %d at depth %d: f_%d < %g, mse %g, %d objects",
		treeNodeId, currentDepth, bestSplit.FeatureIndex, bestSplit.Threshold, bestSplit.Mse, len(rows))

	leftRows, rightRows := partitionRows(rm.Features, rows, bestSplit.FeatureIndex, bestSplit.Threshold)

	leftNodeId := oneTree.BuildTree(rm, leftRows, currentDepth+1)
	oneTree.TreeNodes[treeNodeId].LeftIndex = leftNodeId

	rightNodeId := oneTree.BuildTree(rm, rightRows, currentDepth+1)
	oneTree.TreeNodes[treeNodeId].RightIndex = rightNodeId

	return treeNodeId
}

//appendLeaf stores a leaf with the given value and returns the index of its tree node.
func (oneTree *OneTree) appendLeaf(rm RMatrix, rows []int, value float64) int {
	treeNodeId := len(oneTree.TreeNodes)
	currentTreeNode := NewTreeNode(treeNodeId)
	currentTreeNode.NumberOfObjects = len(rows)

	leafNodeId := len(oneTree.LeafNodes)
	currentTreeNode.LeafIndex = leafNodeId
	oneTree.TreeNodes = append(oneTree.TreeNodes, currentTreeNode)

	recordIds := make([]int, len(rows))
	for ind, row := range rows {
		recordIds[ind] = rm.RecordIds[row]
	}
	oneTree.LeafNodes = append(oneTree.LeafNodes, LeafNode{
		LeafNodeId:      leafNodeId,
		Value:           value,
		RecordIds:       recordIds,
		NumberOfObjects: len(rows),
	})
	return treeNodeId
}

//partitionRows routes rows with feature < threshold to the left and feature > threshold to the right.
//Rows equal to the threshold are routed nowhere.
func partitionRows(features mat.Matrix, rows []int, featureNumber int, threshold float64) (left, right []int) {
	left, right = make([]int, 0), make([]int, 0)
	for _, row := range rows {
		x := features.At(row, featureNumber)
		if x < threshold {
			left = append(left, row)
		} else if x > threshold {
			right = append(right, row)
		}
	}
	return
}

func sameValues(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

//predictTask is a tree node together with the rows that reached it.
type predictTask struct {
	node int
	rows []int
}

//Predict infers values for every row of the features matrix. The rows descend the tree
//in groups: a work stack holds a node and the indices of the rows that reached it.
//A row equal to a threshold on its path gets no contribution and is left at 0.
func (oneTree OneTree) Predict(features *mat.Dense) ([]float64, error) {
	if len(oneTree.TreeNodes) == 0 {
		return nil, errors.Wrap(ErrEmptyModel, "tree has no nodes")
	}
	if features == nil || features.IsEmpty() {
		return []float64{}, nil
	}
	h, w := features.Dims()
	if w < oneTree.NFeatures {
		return nil, invalidInput("%d features given, the tree was trained on %d", w, oneTree.NFeatures)
	}

	prediction := make([]float64, h)
	stack := []predictTask{{node: 0, rows: identityIds(h)}}
	for len(stack) > 0 {
		task := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := oneTree.TreeNodes[task.node]
		if node.IsLeaf() {
			value := oneTree.LeafNodes[node.LeafIndex].Value
			for _, row := range task.rows {
				prediction[row] = value
			}
			continue
		}

		left, right := partitionRows(features, task.rows, node.FeatureNumber, node.Threshold)
		if len(left) > 0 {
			stack = append(stack, predictTask{node: node.LeftIndex, rows: left})
		}
		if len(right) > 0 {
			stack = append(stack, predictTask{node: node.RightIndex, rows: right})
		}
	}
	return prediction, nil
}

//PredictRow walks one row from the root to a leaf. It reports false when the row
//is equal to a threshold on its path and therefore reaches no leaf.
func (oneTree OneTree) PredictRow(row []float64) (float64, bool) {
	if len(oneTree.TreeNodes) == 0 || len(row) < oneTree.NFeatures {
		return 0, false
	}
	ind := 0
	for !oneTree.TreeNodes[ind].IsLeaf() {
		node := oneTree.TreeNodes[ind]
		switch x := row[node.FeatureNumber]; {
		case x < node.Threshold:
			ind = node.LeftIndex
		case x > node.Threshold:
			ind = node.RightIndex
		default:
			return 0, false
		}
	}
	return oneTree.LeafNodes[oneTree.TreeNodes[ind].LeafIndex].Value, true
}

//Depth returns the number of edges on the longest path from the root to a leaf.
func (oneTree OneTree) Depth() int {
	if len(oneTree.TreeNodes) == 0 {
		return 0
	}
	depths := make([]int, len(oneTree.TreeNodes))
	maxDepth := 0
	for ind, node := range oneTree.TreeNodes {
		// children are always stored after their parent
		if node.IsLeaf() {
			if depths[ind] > maxDepth {
				maxDepth = depths[ind]
			}
			continue
		}
		depths[node.LeftIndex] = depths[ind] + 1
		depths[node.RightIndex] = depths[ind] + 1
	}
	return maxDepth
}

//LeafCount returns the number of leaves including the ones no training object reached.
func (oneTree OneTree) LeafCount() int {
	return len(oneTree.LeafNodes)
}

func recurrentDraw(g *cgraph.Graph, tree OneTree, nodeNumber int, parentNode *cgraph.Node) error {
	currentNode, err := g.CreateNode(fmt.Sprint(tree.TreeNodes[nodeNumber].TreeNodeId))
	if err != nil {
		return err
	}

	if parentNode != nil {
		if _, err := g.CreateEdge("", parentNode, currentNode); err != nil {
			return err
		}
	}

	if tree.TreeNodes[nodeNumber].IsLeaf() {
		currentNode.Set("label", tree.GetLeafDescription(nodeNumber))
		currentNode.Set("shape", "box")
		return nil
	}

	currentNode.Set("label", tree.GetNodeDescription(nodeNumber))
	if err := recurrentDraw(g, tree, tree.TreeNodes[nodeNumber].LeftIndex, currentNode); err != nil {
		return err
	}
	return recurrentDraw(g, tree, tree.TreeNodes[nodeNumber].RightIndex, currentNode)
}

//DrawGraph converts the tree into a graphviz graph. The caller closes both returned objects.
func (tree OneTree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph, error) {
	if len(tree.TreeNodes) == 0 {
		return nil, nil, errors.Wrap(ErrEmptyModel, "nothing to draw")
	}
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	if err != nil {
		graphViz.Close()
		return nil, nil, errors.Wrap(err, "can't create a graph")
	}

	if err := recurrentDraw(graph, tree, 0, nil); err != nil {
		graph.Close()
		graphViz.Close()
		return nil, nil, errors.Wrap(err, "can't draw the tree")
	}
	return graphViz, graph, nil
}
