// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package cfg models the control-flow graph of one linear-IR function,
// with its block layout and the linear-id-to-block mapping, and
// attributes decoded profile counters to blocks and edges.
package cfg // import "github.com/fdo-tools/fdoprof/cfg"

import (
	"fmt"
)

// Label identifies a basic block within one function's CFG.
type Label int

// NoLabel marks the absence of a block label.
const NoLabel Label = -1

// TerminatorKind classifies how a basic block ends.
type TerminatorKind uint8

const (
	// TermReturn leaves the function.
	TermReturn TerminatorKind = iota
	// TermJump transfers unconditionally to a single successor.
	TermJump
	// TermBranch picks between two successors on a condition.
	TermBranch
	// TermSwitch picks among many successors.
	TermSwitch
	// TermTailCall leaves the function through another function.
	TermTailCall
	// TermRaise unwinds.
	TermRaise
)

func (k TerminatorKind) String() string {
	switch k {
	case TermReturn:
		return "return"
	case TermJump:
		return "jump"
	case TermBranch:
		return "branch"
	case TermSwitch:
		return "switch"
	case TermTailCall:
		return "tailcall"
	case TermRaise:
		return "raise"
	}
	return fmt.Sprintf("terminator(%d)", uint8(k))
}

// Block is one basic block of the linear IR.
type Block struct {
	Label Label
	Term  TerminatorKind
	// Lines holds the linear-IR ids of the block's instructions in
	// program order; the last entry is the terminator position.
	Lines []int
	// Succs are the ordered successor labels.
	Succs []Label
	// Fallthrough is the successor reached without a taken branch, or
	// NoLabel.
	Fallthrough Label
}

// TerminatorLine returns the linear id of the block's terminator.
func (b *Block) TerminatorLine() (int, bool) {
	if len(b.Lines) == 0 {
		return 0, false
	}
	return b.Lines[len(b.Lines)-1], true
}

// CfgWithLayout is the per-function CFG the attributor consumes: blocks,
// their emission order, and the mapping from linear-IR ids to blocks.
type CfgWithLayout struct {
	// Name is the function's linker symbol.
	Name string

	blocks      map[Label]*Block
	layout      []Label
	lineToBlock map[int]Label
}

// NewCfgWithLayout validates and indexes a function CFG. Every block
// must appear in the layout exactly once, labels and linear ids must be
// unique, and fall-through successors must be real successors.
func NewCfgWithLayout(name string, blocks []*Block, layout []Label) (*CfgWithLayout, error) {
	cl := &CfgWithLayout{
		Name:        name,
		blocks:      make(map[Label]*Block, len(blocks)),
		layout:      layout,
		lineToBlock: make(map[int]Label),
	}

	for _, b := range blocks {
		if _, dup := cl.blocks[b.Label]; dup {
			return nil, fmt.Errorf("%s: duplicate block label %d", name, b.Label)
		}
		cl.blocks[b.Label] = b
		for _, line := range b.Lines {
			if prev, dup := cl.lineToBlock[line]; dup {
				return nil, fmt.Errorf("%s: linear id %d in blocks %d and %d",
					name, line, prev, b.Label)
			}
			cl.lineToBlock[line] = b.Label
		}
	}

	for _, b := range blocks {
		for _, succ := range b.Succs {
			if _, ok := cl.blocks[succ]; !ok {
				return nil, fmt.Errorf("%s: block %d references unknown successor %d",
					name, b.Label, succ)
			}
		}
		if b.Fallthrough != NoLabel && !containsLabel(b.Succs, b.Fallthrough) {
			return nil, fmt.Errorf("%s: block %d fall-through %d is not a successor",
				name, b.Label, b.Fallthrough)
		}
	}

	if len(layout) != len(blocks) {
		return nil, fmt.Errorf("%s: layout has %d entries for %d blocks",
			name, len(layout), len(blocks))
	}
	seen := make(map[Label]struct{}, len(layout))
	for _, label := range layout {
		if _, ok := cl.blocks[label]; !ok {
			return nil, fmt.Errorf("%s: layout references unknown block %d", name, label)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("%s: block %d appears twice in layout", name, label)
		}
		seen[label] = struct{}{}
	}
	return cl, nil
}

func containsLabel(labels []Label, want Label) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// Block returns the block with the given label.
func (cl *CfgWithLayout) Block(label Label) (*Block, bool) {
	b, ok := cl.blocks[label]
	return b, ok
}

// BlockForLine maps a linear-IR id to its containing block.
func (cl *CfgWithLayout) BlockForLine(line int) (*Block, bool) {
	label, ok := cl.lineToBlock[line]
	if !ok {
		return nil, false
	}
	return cl.blocks[label], true
}

// Layout returns the block emission order.
func (cl *CfgWithLayout) Layout() []Label {
	return cl.layout
}
