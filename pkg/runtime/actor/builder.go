// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	"github.com/gomlx/graphrt/pkg/runtime/somas"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// somasAlignment of the ranges assigned by the static memory scheduler.
const somasAlignment = 64

type valueKind int

const (
	parameterValue valueKind = iota
	constantValue
	nodeValue
)

// Value is a tensor of a graph being built: a parameter, a constant of the device tensor store,
// or an output of a node.
type Value struct {
	kind  valueKind
	shape shapes.Shape

	param int
	name  string
	key   device.NodeKey

	node  *node
	index int

	// scope is the chain of branches the value is computed in, outermost first.
	scope []branchRef
}

// Shape of the value.
func (v *Value) Shape() shapes.Shape { return v.shape }

// String implements fmt.Stringer.
func (v *Value) String() string {
	switch v.kind {
	case parameterValue:
		return fmt.Sprintf("Parameter#%d(%q)%s", v.param, v.name, v.shape)
	case constantValue:
		return fmt.Sprintf("Constant(%q)%s", v.key, v.shape)
	}
	return fmt.Sprintf("%s:%d%s", v.node.name, v.index, v.shape)
}

type branchRef struct {
	sw *node
	id int
}

type nodeKind int

const (
	kernelNode nodeKind = iota
	switchNode
	gatherNode
)

// node of the graph being built: it becomes an actor.
type node struct {
	kind  nodeKind
	name  string
	scope []branchRef

	// inputs of kernels, condition and forwarded inputs of switches, and flattened branch values of gathers.
	inputs       []*Value
	outputShapes []shapes.Shape

	kernelName string
	mod        kernel.Mod
	streamID   uint32

	// Switch nodes.
	branches     *BranchTable
	branchNames  []string
	gather       *node
	inputIndex   map[*Value]int
	forwarded    map[[2]int]*Value
	controlsFrom []int // branches without data that signal the gather with a control arrow.

	// Gather nodes.
	sw              *node
	branchOutputNum int
	datasNum        map[string]int
	controlsNum     map[string]int

	actor   Actor
	outputs []*device.Tensor
}

func isPrefix(prefix, scope []branchRef) bool {
	return len(prefix) <= len(scope) && slices.Equal(prefix, scope[:len(prefix)])
}

// Builder wires the actors of a graph. Once built, the graph is frozen.
//
// Methods that add nodes panic (with exceptions.Panicf) if the graph is malformed, like the operations of
// a computation graph. Build returns an error instead.
type Builder struct {
	name    string
	config  Config
	metrics *Metrics
	store   *device.Store
	somas   bool

	streamID   uint32
	parameters []*Value
	nodes      []*node
	names      map[string]bool
	outputs    []*Value
	built      bool
}

// NewBuilder creates a builder for the graph name, with the given configuration.
func NewBuilder(name string, config Config) *Builder {
	return &Builder{
		name:   name,
		config: config,
		names:  make(map[string]bool),
	}
}

// WithMetrics sets the metrics updated by the graph. By default, the metrics are not registered.
func (b *Builder) WithMetrics(metrics *Metrics) *Builder {
	b.metrics = metrics
	return b
}

// WithStore sets the device tensor store where constants are fetched from.
func (b *Builder) WithStore(store *device.Store) *Builder {
	b.store = store
	return b
}

// WithSomas assigns every kernel and gather output a range of one static memory block, instead
// of allocating them on each run.
func (b *Builder) WithSomas() *Builder {
	b.somas = true
	return b
}

// Stream sets the stream of the kernels added after this call.
func (b *Builder) Stream(streamID uint32) *Builder {
	b.streamID = streamID
	return b
}

func (b *Builder) checkName(name string) {
	if b.built {
		exceptions.Panicf("graph %q was already built, it can't be changed", b.name)
	}
	if name == "" || b.names[name] {
		exceptions.Panicf("graph %q: invalid or duplicate node name %q", b.name, name)
	}
	b.names[name] = true
}

// Parameter adds an input of the graph, given to Graph.Run in the order they are created.
func (b *Builder) Parameter(name string, shape shapes.Shape) *Value {
	b.checkName(name)
	v := &Value{kind: parameterValue, shape: shape, param: len(b.parameters), name: name}
	b.parameters = append(b.parameters, v)
	return v
}

// Constant refers to the tensor of node key in the device tensor store.
func (b *Builder) Constant(key device.NodeKey, shape shapes.Shape) *Value {
	return &Value{kind: constantValue, shape: shape, key: key}
}

// capture returns the view of v in the target scope, forwarding it through the switches of the
// branches it enters. Constants are only forwarded if forwardConstants is set, otherwise they are
// read from the store wherever they are used.
func (b *Builder) capture(v *Value, target []branchRef, forwardConstants bool) *Value {
	if v.kind == constantValue && !forwardConstants {
		return v
	}
	if !isPrefix(v.scope, target) {
		exceptions.Panicf("graph %q: value %s is computed in a branch not enclosing its use", b.name, v)
	}
	for len(v.scope) < len(target) {
		ref := target[len(v.scope)]
		v = ref.sw.forward(ref.id, v)
	}
	return v
}

// forward returns the value v as seen inside branch id of the switch.
func (n *node) forward(id int, v *Value) *Value {
	j, found := n.inputIndex[v]
	if !found {
		j = len(n.inputs)
		n.inputs = append(n.inputs, v)
		n.inputIndex[v] = j
	}
	key := [2]int{id, j}
	if f, found := n.forwarded[key]; found {
		return f
	}
	f := &Value{
		kind:  nodeValue,
		shape: v.shape,
		node:  n,
		index: j,
		scope: append(slices.Clone(n.scope), branchRef{sw: n, id: id}),
	}
	n.forwarded[key] = f
	return f
}

// deepestScope returns the longest scope of the values.
func deepestScope(values []*Value) []branchRef {
	var scope []branchRef
	for _, v := range values {
		if v.kind != constantValue && len(v.scope) > len(scope) {
			scope = v.scope
		}
	}
	return scope
}

// Kernel adds a node running the registered kernel kernelName, with the given inputs and output shapes.
// Inputs computed outside the branch of the node are forwarded into it.
func (b *Builder) Kernel(name, kernelName string, attrs kernel.Attributes, inputs []*Value, outputShapes ...shapes.Shape) []*Value {
	b.checkName(name)
	mod, err := kernel.New(kernelName, attrs)
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q, node %q", b.name, name))
	}
	if len(outputShapes) == 0 {
		exceptions.Panicf("graph %q: kernel node %q has no outputs", b.name, name)
	}
	scope := deepestScope(inputs)
	n := &node{
		kind:         kernelNode,
		name:         name,
		scope:        scope,
		kernelName:   kernelName,
		mod:          mod,
		streamID:     b.streamID,
		outputShapes: outputShapes,
	}
	for _, v := range inputs {
		n.inputs = append(n.inputs, b.capture(v, scope, false))
	}
	b.nodes = append(b.nodes, n)
	return n.outputValues()
}

func (n *node) outputValues() []*Value {
	values := make([]*Value, len(n.outputShapes))
	for ii, shape := range n.outputShapes {
		values[ii] = &Value{kind: nodeValue, shape: shape, node: n, index: ii, scope: n.scope}
	}
	return values
}

// Switch of a conditional, see Builder.Switch.
type Switch struct {
	b *Builder
	n *node
}

// Switch adds a conditional with the given branches, selected by cond: a Bool scalar (true selects the
// first branch, false the second) or an Int32 scalar with the ordinal of the branch.
//
// Values enter a branch with Switch.Input, and the branches are merged with Switch.Gather.
func (b *Builder) Switch(name string, cond *Value, branchNames ...string) *Switch {
	b.checkName(name)
	if len(branchNames) < 2 {
		exceptions.Panicf("graph %q: switch %q needs at least 2 branches, got %v", b.name, name, branchNames)
	}
	seen := make(map[string]bool, len(branchNames))
	for _, branch := range branchNames {
		if seen[branch] {
			exceptions.Panicf("graph %q: switch %q has duplicate branch %q", b.name, name, branch)
		}
		seen[branch] = true
	}
	scope := cond.scope
	n := &node{
		kind:        switchNode,
		name:        name,
		scope:       scope,
		branchNames: slices.Clone(branchNames),
		inputIndex:  make(map[*Value]int),
		forwarded:   make(map[[2]int]*Value),
	}
	n.inputs = []*Value{cond}
	n.inputIndex[cond] = 0
	b.nodes = append(b.nodes, n)
	return &Switch{b: b, n: n}
}

func (s *Switch) branchID(branch string) int {
	id := slices.Index(s.n.branchNames, branch)
	if id < 0 {
		exceptions.Panicf("graph %q: switch %q has no branch %q, branches are %v", s.b.name, s.n.name, branch, s.n.branchNames)
	}
	return id
}

func (s *Switch) branchScope(id int) []branchRef {
	return append(slices.Clone(s.n.scope), branchRef{sw: s.n, id: id})
}

// Input returns the view of v inside the branch: nodes using it only run if the branch is selected.
func (s *Switch) Input(branch string, v *Value) *Value {
	return s.b.capture(v, s.branchScope(s.branchID(branch)), true)
}

// Gather merges the branches of the switch: branchOutputs maps each branch name to the values it
// provides, and every branch must provide the same number of values, with the same shapes.
// It returns the merged values, the ones of the branch selected at run time.
func (s *Switch) Gather(name string, branchOutputs map[string][]*Value) []*Value {
	b := s.b
	b.checkName(name)
	if s.n.gather != nil {
		exceptions.Panicf("graph %q: switch %q already has gather %q", b.name, s.n.name, s.n.gather.name)
	}
	width := -1
	n := &node{
		kind:        gatherNode,
		name:        name,
		scope:       s.n.scope,
		sw:          s.n,
		datasNum:    make(map[string]int),
		controlsNum: make(map[string]int),
	}
	for id, branch := range s.n.branchNames {
		values, found := branchOutputs[branch]
		if !found {
			exceptions.Panicf("graph %q: gather %q has no values for branch %q", b.name, name, branch)
		}
		if width == -1 {
			width = len(values)
			if width == 0 {
				exceptions.Panicf("graph %q: gather %q has no values", b.name, name)
			}
			for _, v := range values {
				n.outputShapes = append(n.outputShapes, v.shape)
			}
		} else if len(values) != width {
			exceptions.Panicf("graph %q: gather %q: branch %q provides %d values, but branch %q provides %d",
				b.name, name, branch, len(values), s.n.branchNames[0], width)
		}
		for ii, v := range values {
			if !v.shape.Equal(n.outputShapes[ii]) {
				exceptions.Panicf("graph %q: gather %q: value %d of branch %q has shape %s, expected %s",
					b.name, name, ii, branch, v.shape, n.outputShapes[ii])
			}
			v = b.capture(v, s.branchScope(id), false)
			if v.kind != constantValue {
				n.datasNum[branch]++
			}
			n.inputs = append(n.inputs, v)
		}
		if n.datasNum[branch] == 0 {
			s.n.controlsFrom = append(s.n.controlsFrom, id)
			n.controlsNum[branch] = 1
		}
	}
	for key := range branchOutputs {
		if !slices.Contains(s.n.branchNames, key) {
			exceptions.Panicf("graph %q: gather %q given values for unknown branch %q", b.name, name, key)
		}
	}
	n.branchOutputNum = width
	n.branches = NewBranchTable(s.n.branchNames, n.datasNum, n.controlsNum)
	s.n.branches = n.branches
	s.n.gather = n
	b.nodes = append(b.nodes, n)
	return n.outputValues()
}

// Output sets the outputs of the graph, returned by Graph.Run. They can't be computed inside a branch.
func (b *Builder) Output(values ...*Value) {
	for _, v := range values {
		if v.kind != constantValue && len(v.scope) > 0 {
			exceptions.Panicf("graph %q: output %s is computed inside a branch, use Switch.Gather", b.name, v)
		}
	}
	b.outputs = append(b.outputs, values...)
}

// Build the graph: it creates and initializes the actors and, if enabled, the static memory block.
func (b *Builder) Build() (g *Graph, err error) {
	err = exceptions.TryCatch[error](func() { g = b.build() })
	if err != nil {
		return nil, errors.WithMessagef(err, "building graph %q", b.name)
	}
	return g, nil
}

func (b *Builder) aid(name string) AID {
	return AID(b.name + "/" + name)
}

func (b *Builder) build() *Graph {
	if b.built {
		exceptions.Panicf("graph %q was already built", b.name)
	}
	if len(b.outputs) == 0 {
		exceptions.Panicf("graph %q has no outputs", b.name)
	}
	b.built = true
	g := newGraph(b.name, b.config, b.metrics, b.store)
	deviceType := g.deviceContext.Type
	for _, v := range b.parameters {
		param := device.NewTensor(v.name, v.shape, deviceType)
		param.SetOriginalRefCount(device.MaxRefCount)
		g.params = append(g.params, param)
	}
	g.paramArrows = make([][]DataArrow, len(b.parameters))

	memoryManager := NewMemoryManagerActor(b.aid("MemoryManagerActor"), g.deviceContext)
	output := NewOutputActor(b.aid("OutputActor"), len(b.outputs))
	g.output = output

	// Create actors.
	var actors []Actor
	for _, n := range b.nodes {
		aid := b.aid(n.name)
		for ii, shape := range n.outputShapes {
			n.outputs = append(n.outputs, device.NewTensor(fmt.Sprintf("%s:%d", n.name, ii), shape, deviceType))
		}
		switch n.kind {
		case kernelNode:
			inputShapes := make([]shapes.Shape, len(n.inputs))
			for ii, v := range n.inputs {
				inputShapes[ii] = v.shape
			}
			a := NewKernelActor(aid, n.mod, fmt.Sprintf("%s/%s-op(%s)", b.name, n.name, n.kernelName), inputShapes, n.outputs)
			a.streamID = n.streamID
			n.actor = a
		case switchNode:
			if n.gather == nil {
				exceptions.Panicf("graph %q: switch %q has no gather", b.name, n.name)
			}
			n.actor = NewConditionSwitchActor(aid, n.branches, b.aid(n.gather.name), len(n.inputs))
		case gatherNode:
			n.actor = NewConditionGatherActor(aid, fmt.Sprintf("%s/%s-op(ConditionGather)", b.name, n.name), n.branches, n.branchOutputNum, n.outputs)
		}
		actors = append(actors, n.actor)
	}
	actors = append(actors, output, memoryManager)
	for _, a := range actors {
		base := a.abstract()
		base.graph = b.name
		base.metrics = g.metrics
		base.deviceContext = g.deviceContext
		base.memoryManager = memoryManager.aid
		base.store = b.store
	}

	// Wire data arrows.
	consumers := make(map[*device.Tensor]int)
	for _, n := range b.nodes {
		for slot, v := range n.inputs {
			if n.kind == gatherNode {
				b.connect(g, v, n.actor, slot, false, consumers)
			} else {
				b.connect(g, v, n.actor, slot, true, consumers)
			}
		}
	}
	for slot, v := range b.outputs {
		b.connect(g, v, output, slot, true, consumers)
	}
	for _, n := range b.nodes {
		if n.kind != kernelNode {
			continue
		}
		for _, t := range n.outputs {
			t.SetOriginalRefCount(int64(max(1, consumers[t])))
		}
	}

	// Wire control arrows: actors without any message input are triggered by the entry of the graph,
	// or by the switch of their branch.
	for _, n := range b.nodes {
		switch n.kind {
		case switchNode:
			sw := n.actor.(*ConditionSwitchActor)
			for _, id := range n.controlsFrom {
				sw.branchControlArrows[id] = append(sw.branchControlArrows[id], n.gather.actor.AID())
			}
			b.triggerIfIdle(g, n.actor, n.scope)
		case kernelNode:
			b.triggerIfIdle(g, n.actor, n.scope)
		}
	}
	b.triggerIfIdle(g, output, nil)

	// Static memory.
	if b.somas {
		b.assignSomas(g)
	}

	for _, a := range actors {
		if err := g.rt.Spawn(a); err != nil {
			panic(err)
		}
	}
	for _, a := range actors {
		if err := a.Init(); err != nil {
			panic(errors.WithMessagef(err, "initializing actor %s", a.AID()))
		}
	}
	for _, n := range b.nodes {
		if n.kind != gatherNode {
			continue
		}
		for id, branch := range n.branches.Names {
			if datasNum, controlsNum := n.branches.Counts(id); datasNum == 0 && controlsNum == 0 {
				exceptions.Panicf("graph %q: branch %q of gather %q has no input data and no input control", b.name, branch, n.name)
			}
		}
	}
	klog.V(1).Infof("graph %q built: %d actors, %d parameters, %d outputs, config %s",
		b.name, len(actors), len(b.parameters), len(b.outputs), b.config)
	return g
}

// connect the value v to the input slot of the actor to. Gathers count data per branch (countInput false).
func (b *Builder) connect(g *Graph, v *Value, to Actor, slot int, countInput bool, consumers map[*device.Tensor]int) {
	base := to.abstract()
	switch v.kind {
	case constantValue:
		if b.store == nil {
			exceptions.Panicf("graph %q uses constant %q, but it has no device tensor store, see Builder.WithStore", b.name, v.key)
		}
		base.storeKeys = append(base.storeKeys, storeKey{index: slot, node: v.key})
		return
	case parameterValue:
		g.paramArrows[v.param] = append(g.paramArrows[v.param], DataArrow{FromOutputIndex: v.param, ToOpID: to.AID(), ToInputIndex: slot})
	case nodeValue:
		arrow := DataArrow{FromOutputIndex: v.index, ToOpID: to.AID(), ToInputIndex: slot}
		producer := v.node
		if producer.kind == switchNode {
			sw := producer.actor.(*ConditionSwitchActor)
			id := v.scope[len(v.scope)-1].id
			sw.branchDataArrows[id] = append(sw.branchDataArrows[id], arrow)
		} else {
			pa := producer.actor.abstract()
			pa.outputDataArrows = append(pa.outputDataArrows, arrow)
			consumers[producer.outputs[v.index]]++
		}
	}
	if countInput {
		base.inputDatasNum++
	}
}

// triggerIfIdle adds a control arrow to actors that receive no message: from the entry of the graph,
// or from the switch of the innermost branch enclosing them.
func (b *Builder) triggerIfIdle(g *Graph, a Actor, scope []branchRef) {
	base := a.abstract()
	if base.inputDatasNum > 0 || base.inputControlsNum > 0 {
		return
	}
	base.inputControlsNum++
	if len(scope) == 0 {
		g.sourceControls = append(g.sourceControls, a.AID())
		return
	}
	ref := scope[len(scope)-1]
	sw := ref.sw.actor.(*ConditionSwitchActor)
	sw.branchControlArrows[ref.id] = append(sw.branchControlArrows[ref.id], a.AID())
}

// assignSomas lays out every kernel and gather output in one static block.
func (b *Builder) assignSomas(g *Graph) {
	graphOutputs := make(map[*device.Tensor]bool)
	for _, v := range b.outputs {
		if v.kind == nodeValue && v.node.kind != switchNode {
			graphOutputs[v.node.outputs[v.index]] = true
		}
	}
	offset := 0
	type assignment struct {
		table   []somas.OutputResult
		indexes map[int]bool
	}
	assignments := make(map[*node]assignment)
	for _, n := range b.nodes {
		if n.kind == switchNode {
			continue
		}
		asg := assignment{indexes: make(map[int]bool)}
		for ii, t := range n.outputs {
			asg.table = append(asg.table, somas.OutputResult{Offset: offset, Size: t.Size()})
			offset += (t.Size() + somasAlignment - 1) / somasAlignment * somasAlignment
			if graphOutputs[t] {
				asg.indexes[ii] = true
			}
		}
		assignments[n] = asg
	}
	g.somasInfo = somas.NewInfo(offset)
	if err := g.somasInfo.AllocateBlock(g.deviceContext.Pool); err != nil {
		panic(errors.WithMessagef(err, "graph %q", b.name))
	}
	for n, asg := range assignments {
		switch a := n.actor.(type) {
		case *KernelActor:
			a.somasInfo, a.somasOutputs, a.somasGraphOutputIndexes = g.somasInfo, asg.table, asg.indexes
		case *ConditionGatherActor:
			a.somasInfo, a.somasOutputs, a.somasGraphOutputIndexes = g.somasInfo, asg.table, asg.indexes
		}
	}
}
