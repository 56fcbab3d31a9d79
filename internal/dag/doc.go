// Package dag is a small, string-keyed directed graph used to reason about
// the structure of workflow documents: dependency edges between nodes, cycle
// detection and a stable topological order.
//
// It knows nothing about node types or inputs. Callers translate their own
// reference scheme into AddVertex/AddEdge calls and ask the graph structural
// questions.
package dag
