package mrtcp

// routes.go fills in the next-hop table of every node.
//
// The approach is to convert the network into the data structures used by
// the gonum graph package, which has built-in path discovery algorithms.
// Weighting each edge by 1, a shortest path minimizes the number of hops.
// Dijkstra computes a tree of shortest paths rooted at a node, so one tree per
// source node gives the routes from that node to every destination.  The
// first step on each route names the egress link.

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// routeTable holds the graph form of a network and the shortest path trees
// computed on it
type routeTable struct {
	connGraph *simple.WeightedUndirectedGraph
	gNodes    map[int]simple.Node
	cachedSP  map[int]path.Shortest
}

// buildRouteTable returns the graph representation of the network.  A link
// and its reverse are one undirected edge
func buildRouteTable(net *network) *routeTable {
	rt := new(routeTable)
	rt.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	rt.gNodes = make(map[int]simple.Node)
	rt.cachedSP = make(map[int]path.Shortest)

	for _, node := range net.nodes {
		rt.gNodes[node.id] = simple.Node(node.id)
		rt.connGraph.AddNode(rt.gNodes[node.id])
	}
	for _, lnk := range net.links {
		if lnk.Src == lnk.Dst {
			continue
		}
		weightedEdge := simple.WeightedEdge{F: rt.gNodes[lnk.Src], T: rt.gNodes[lnk.Dst], W: 1.0}
		rt.connGraph.SetWeightedEdge(weightedEdge)
	}
	return rt
}

// getSPTree returns the shortest path tree rooted in from, computing and
// caching it if need be
func (rt *routeTable) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// routeFrom returns the shortest path from src to dst as a sequence of node
// ids, src and dst included.  The sequence is empty when dst is unreachable
func (rt *routeTable) routeFrom(src, dst int) []int {
	spTree := rt.getSPTree(src)
	nodeSeq, _ := spTree.To(int64(dst))
	return convertNodeSeq(nodeSeq)
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// linkBetween returns the one-way link from src to dst, nil if there is none
func (net *network) linkBetween(src, dst int) *Link {
	for _, lnk := range net.links {
		if lnk.Src == src && lnk.Dst == dst {
			return lnk
		}
	}
	return nil
}

// buildRoutes fills in the nextLink table of every node.  Only the pairs of
// nodes that flows use need to be reachable; those are given in pairs
func (net *network) buildRoutes(pairs [][2]int) error {
	rt := buildRouteTable(net)

	for _, node := range net.nodes {
		for _, dst := range net.nodes {
			if node.id == dst.id {
				continue
			}
			route := rt.routeFrom(node.id, dst.id)
			if len(route) < 2 {
				continue
			}
			lnk := net.linkBetween(node.id, route[1])
			if lnk == nil {
				return fmt.Errorf("mrtcp: route %s needs a link %d -> %d that does not exist",
					net.showPath(route), node.id, route[1])
			}
			node.nextLink[dst.id] = lnk
		}
	}

	for _, pair := range pairs {
		// data goes one way, acks the other
		for _, ends := range [][2]int{pair, {pair[1], pair[0]}} {
			if _, present := net.nodes[ends[0]].nextLink[ends[1]]; !present {
				return fmt.Errorf("mrtcp: node %s cannot reach node %s",
					net.nodes[ends[0]].name, net.nodes[ends[1]].name)
			}
		}
	}
	return nil
}

// showPath returns a string that lists the names of the nodes on a route
func (net *network) showPath(route []int) string {
	names := make([]string, 0, len(route))
	for _, id := range route {
		names = append(names, net.nodes[id].name)
	}
	return strings.Join(names, ",")
}

// routeNames lists, for display, "src->dst: path" for every routed pair,
// sorted so the listing is stable
func (net *network) routeNames() []string {
	rt := buildRouteTable(net)
	rtn := make([]string, 0)
	for _, node := range net.nodes {
		for dst := range node.nextLink {
			route := rt.routeFrom(node.id, dst)
			rtn = append(rtn, fmt.Sprintf("%s->%s: %s", node.name, net.nodes[dst].name, net.showPath(route)))
		}
	}
	slices.Sort(rtn)
	return rtn
}
