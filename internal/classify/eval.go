package classify

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PacketView is the minimal read-only view over an inbound message that the
// evaluator needs; v4engine and v6engine adapt the decoded wire message to
// this interface so the classifier has no dependency on the codec.
type PacketView interface {
	Field(name string) (Value, bool)
	Option(code uint32) ([]byte, bool)
}

// Env is the evaluation environment for one request: the packet view plus
// the class-membership set built up so far by earlier (dependency-ordered)
// class evaluations.
type Env struct {
	Packet  PacketView
	Matched map[string]bool
}

// Eval evaluates node against env and returns its resulting Value.
func Eval(node Node, env *Env) (Value, error) {
	switch n := node.(type) {
	case Lit:
		return n.Value, nil
	case Field:
		v, ok := env.Packet.Field(n.Name)
		if !ok {
			return Value{}, fmt.Errorf("classify: field %q not available", n.Name)
		}
		return v, nil
	case Option:
		raw, ok := env.Packet.Option(n.Code)
		switch n.As {
		case "exists":
			return boolVal(ok), nil
		case "text":
			if !ok {
				return strVal(""), nil
			}
			return strVal(string(raw)), nil
		default: // "hex"
			if !ok {
				return bytesVal(nil), nil
			}
			return bytesVal(raw), nil
		}
	case Member:
		return boolVal(env.Matched[n.Class]), nil
	case Not:
		v, err := Eval(n.X, env)
		if err != nil {
			return Value{}, err
		}
		return boolVal(!v.Truthy()), nil
	case And:
		l, err := Eval(n.L, env)
		if err != nil {
			return Value{}, err
		}
		if !l.Truthy() {
			return boolVal(false), nil
		}
		r, err := Eval(n.R, env)
		if err != nil {
			return Value{}, err
		}
		return boolVal(r.Truthy()), nil
	case Or:
		l, err := Eval(n.L, env)
		if err != nil {
			return Value{}, err
		}
		if l.Truthy() {
			return boolVal(true), nil
		}
		r, err := Eval(n.R, env)
		if err != nil {
			return Value{}, err
		}
		return boolVal(r.Truthy()), nil
	case Eq:
		return evalCompare(n.L, n.R, env, true)
	case Ne:
		return evalCompare(n.L, n.R, env, false)
	case Call:
		return evalCall(n, env)
	default:
		return Value{}, fmt.Errorf("classify: unhandled node type %T", node)
	}
}

func evalCompare(ln, rn Node, env *Env, wantEqual bool) (Value, error) {
	l, err := Eval(ln, env)
	if err != nil {
		return Value{}, err
	}
	r, err := Eval(rn, env)
	if err != nil {
		return Value{}, err
	}
	eq := valuesEqual(l, r)
	if wantEqual {
		return boolVal(eq), nil
	}
	return boolVal(!eq), nil
}

func valuesEqual(l, r Value) bool {
	// Bytes vs string comparisons are common (option[61] == 'foo'), so
	// coerce to a comparable textual/byte form rather than requiring exact
	// kind matches.
	if l.Kind == KindBytes || r.Kind == KindBytes {
		lb := toBytes(l)
		rb := toBytes(r)
		if len(lb) != len(rb) {
			return false
		}
		for i := range lb {
			if lb[i] != rb[i] {
				return false
			}
		}
		return true
	}
	if l.Kind == KindIP || r.Kind == KindIP {
		return l.IP == r.IP
	}
	if l.Kind == KindInt || r.Kind == KindInt {
		return toInt(l) == toInt(r)
	}
	return toStr(l) == toStr(r)
}

func toBytes(v Value) []byte {
	switch v.Kind {
	case KindBytes:
		return v.Bytes
	case KindString:
		return []byte(v.Str)
	default:
		return nil
	}
}

func toInt(v Value) int64 {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindBool:
		if v.Bool {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toStr(v Value) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBytes:
		return string(v.Bytes)
	case KindIP:
		return v.IP.String()
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

func evalCall(n Call, env *Env) (Value, error) {
	switch n.Name {
	case "substring":
		if len(n.Args) != 3 {
			return Value{}, fmt.Errorf("classify: substring takes 3 arguments")
		}
		s, err := Eval(n.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		start, err := Eval(n.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		str := toStr(s)
		startIdx := int(toInt(start))
		if startIdx < 0 || startIdx > len(str) {
			return strVal(""), nil
		}
		if lenNode, ok := n.Args[2].(Lit); ok && lenNode.Value.Kind == KindString && lenNode.Value.Str == "all" {
			return strVal(str[startIdx:]), nil
		}
		lenVal, err := Eval(n.Args[2], env)
		if err != nil {
			return Value{}, err
		}
		length := int(toInt(lenVal))
		end := startIdx + length
		if end > len(str) || length < 0 {
			end = len(str)
		}
		return strVal(str[startIdx:end]), nil
	case "concat":
		var sb strings.Builder
		for _, a := range n.Args {
			v, err := Eval(a, env)
			if err != nil {
				return Value{}, err
			}
			sb.WriteString(toStr(v))
		}
		return strVal(sb.String()), nil
	case "split":
		if len(n.Args) != 3 {
			return Value{}, fmt.Errorf("classify: split takes 3 arguments")
		}
		s, err := Eval(n.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		sep, err := Eval(n.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		idx, err := Eval(n.Args[2], env)
		if err != nil {
			return Value{}, err
		}
		parts := strings.Split(toStr(s), toStr(sep))
		i := int(toInt(idx))
		if i < 0 || i >= len(parts) {
			return strVal(""), nil
		}
		return strVal(parts[i]), nil
	case "hexstring":
		if len(n.Args) != 2 {
			return Value{}, fmt.Errorf("classify: hexstring takes 2 arguments")
		}
		b, err := Eval(n.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		sep, err := Eval(n.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		raw := toBytes(b)
		parts := make([]string, len(raw))
		for i, by := range raw {
			parts[i] = hex.EncodeToString([]byte{by})
		}
		return strVal(strings.Join(parts, toStr(sep))), nil
	case "ifelse":
		if len(n.Args) != 3 {
			return Value{}, fmt.Errorf("classify: ifelse takes 3 arguments")
		}
		cond, err := Eval(n.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		if cond.Truthy() {
			return Eval(n.Args[1], env)
		}
		return Eval(n.Args[2], env)
	default:
		return Value{}, fmt.Errorf("classify: unknown function %q", n.Name)
	}
}
