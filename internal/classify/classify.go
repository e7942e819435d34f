package classify

import (
	"fmt"

	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

// Class is a compiled client class: a name, its parsed predicate, the
// class names its member() calls depend on, and the options it grants
// when matched.
type Class struct {
	Name      string
	Predicate Node
	DependsOn []string
	Options   *dhcpmodel.OptionSet
}

// Compile parses expr into a Class, deriving DependsOn from any member()
// calls found in the AST (in addition to whatever the caller already
// knows, e.g. from config-level declarations).
func Compile(name, expr string) (*Class, error) {
	node, err := Parse(expr)
	if err != nil {
		return nil, derrors.Wrapf(err, derrors.KindConfig, "class %q: invalid expression", name)
	}
	deps := collectMembers(node, nil)
	return &Class{Name: name, Predicate: node, DependsOn: deps}, nil
}

func collectMembers(n Node, acc []string) []string {
	switch v := n.(type) {
	case Member:
		acc = append(acc, v.Class)
	case Not:
		acc = collectMembers(v.X, acc)
	case And:
		acc = collectMembers(v.L, acc)
		acc = collectMembers(v.R, acc)
	case Or:
		acc = collectMembers(v.L, acc)
		acc = collectMembers(v.R, acc)
	case Eq:
		acc = collectMembers(v.L, acc)
		acc = collectMembers(v.R, acc)
	case Ne:
		acc = collectMembers(v.L, acc)
		acc = collectMembers(v.R, acc)
	case Call:
		for _, a := range v.Args {
			acc = collectMembers(a, acc)
		}
	}
	return acc
}

// Order topologically sorts classes by DependsOn so each class is
// evaluated only after every class its predicate references via member().
// A cycle is a startup fatal, per the design's plugin/class dependency
// rules.
func Order(classes []*Class) ([]*Class, error) {
	byName := make(map[string]*Class, len(classes))
	for _, c := range classes {
		byName[c.Name] = c
	}

	visited := make(map[string]int) // 0=unvisited 1=in-progress 2=done
	var order []*Class
	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return derrors.Errorf(derrors.KindConfig, "class dependency cycle: %v -> %s", chain, name)
		}
		c, ok := byName[name]
		if !ok {
			return derrors.Errorf(derrors.KindConfig, "member() references unknown class %q", name)
		}
		visited[name] = 1
		for _, dep := range c.DependsOn {
			if err := visit(dep, append(chain, name)); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, c)
		return nil
	}

	for _, c := range classes {
		if err := visit(c.Name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Evaluate runs every class in dependency order against view, returning the
// set of matched class names.
func Evaluate(ordered []*Class, view PacketView) (map[string]bool, error) {
	matched := make(map[string]bool, len(ordered))
	env := &Env{Packet: view, Matched: matched}
	for _, c := range ordered {
		v, err := Eval(c.Predicate, env)
		if err != nil {
			return nil, fmt.Errorf("classify: class %q: %w", c.Name, err)
		}
		matched[c.Name] = v.Truthy()
	}
	return matched, nil
}
