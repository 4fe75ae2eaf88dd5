package hmr

import (
	"github.com/esm-dev/devserver/internal/graph"
)

// Boundary is a module that accepts a hot update, either of itself or of AcceptedVia.
type Boundary struct {
	Boundary    *graph.ModuleNode
	AcceptedVia *graph.ModuleNode
}

// deadEnd describes why a change cannot be hot-updated.
type deadEnd struct {
	reason string
	mod    *graph.ModuleNode
}

// propagation walks the importer chains of a changed module looking for boundaries.
// chain holds the modules of the current path only, so a module reached twice through
// different paths is not a cycle. traversed holds every module already walked.
type propagation struct {
	boundaries []Boundary
	chain      map[*graph.ModuleNode]struct{}
	traversed  map[*graph.ModuleNode]struct{}
	seen       map[Boundary]struct{}
}

func propagateUpdate(mod *graph.ModuleNode) ([]Boundary, *deadEnd) {
	p := &propagation{
		chain:     map[*graph.ModuleNode]struct{}{mod: {}},
		traversed: map[*graph.ModuleNode]struct{}{},
		seen:      map[Boundary]struct{}{},
	}
	if de := p.walk(mod); de != nil {
		return nil, de
	}
	return p.boundaries, nil
}

func (p *propagation) addBoundary(boundary, acceptedVia *graph.ModuleNode) {
	b := Boundary{Boundary: boundary, AcceptedVia: acceptedVia}
	if _, ok := p.seen[b]; ok {
		return
	}
	p.seen[b] = struct{}{}
	p.boundaries = append(p.boundaries, b)
}

func (p *propagation) inChain(mod *graph.ModuleNode) bool {
	_, ok := p.chain[mod]
	return ok
}

func (p *propagation) walk(node *graph.ModuleNode) *deadEnd {
	if _, ok := p.traversed[node]; ok {
		return nil
	}
	p.traversed[node] = struct{}{}

	selfAccepting := node.SelfAccepting()
	if node.ID != "" && selfAccepting == graph.SelfAcceptingUnknown {
		return &deadEnd{"not analyzed yet", node}
	}

	importers := node.Importers()

	if selfAccepting == graph.SelfAcceptingYes {
		p.addBoundary(node, node)
		// stylesheets may list any file as a dependency, keep walking into them
		for _, importer := range importers {
			if graph.IsCSSRequest(importer.URL) && !p.inChain(importer) {
				p.chain[importer] = struct{}{}
				p.walk(importer)
				delete(p.chain, importer)
			}
		}
		return nil
	}

	acceptedExports := node.AcceptedHMRExports()
	if acceptedExports != nil {
		// the module updates itself first, importers using only accepted exports stop here
		p.addBoundary(node, node)
	} else {
		if len(importers) == 0 {
			return &deadEnd{"no importers", node}
		}
		if !graph.IsCSSRequest(node.URL) && allCSS(importers) {
			return &deadEnd{"only imported by stylesheets", node}
		}
	}

	for _, importer := range importers {
		if importer.AcceptsDep(node) {
			p.addBoundary(importer, node)
			continue
		}
		if node.ID != "" && acceptedExports != nil {
			if bindings, ok := importer.ImportedBindingsFrom(node.ID); ok && allAccepted(bindings, acceptedExports) {
				continue
			}
		}
		if p.inChain(importer) {
			return &deadEnd{"circular import", importer}
		}
		p.chain[importer] = struct{}{}
		de := p.walk(importer)
		delete(p.chain, importer)
		if de != nil {
			return de
		}
	}
	return nil
}

func allCSS(mods []*graph.ModuleNode) bool {
	for _, mod := range mods {
		if !graph.IsCSSRequest(mod.URL) {
			return false
		}
	}
	return true
}

func allAccepted(bindings []string, accepted map[string]struct{}) bool {
	for _, name := range bindings {
		if _, ok := accepted[name]; !ok {
			return false
		}
	}
	return true
}
