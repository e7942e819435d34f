// Package classify implements the client classifier's small expression
// language: a predicate evaluated over packet header fields, options, and
// packet metadata, producing the class membership set attached to the
// in-flight message.
package classify

import "net/netip"

// ValueKind tags the dynamic type of an evaluated Value.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindInt
	KindBytes
	KindString
	KindIP
)

// Value is the typed result of evaluating a node.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Bytes []byte
	Str   string
	IP    netip.Addr
}

func boolVal(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func intVal(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func bytesVal(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func strVal(s string) Value   { return Value{Kind: KindString, Str: s} }
func ipVal(ip netip.Addr) Value { return Value{Kind: KindIP, IP: ip} }

// BoolVal, IntVal, BytesVal, StrVal and IPVal are the exported
// constructors callers outside the package use to build a PacketView's
// Field results.
func BoolVal(b bool) Value      { return boolVal(b) }
func IntVal(i int64) Value      { return intVal(i) }
func BytesVal(b []byte) Value   { return bytesVal(b) }
func StrVal(s string) Value     { return strVal(s) }
func IPVal(ip netip.Addr) Value { return ipVal(ip) }

// Truthy converts a Value to a boolean for use in and/or/not and as a
// top-level predicate result.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindBytes:
		return len(v.Bytes) > 0
	case KindString:
		return v.Str != ""
	case KindIP:
		return v.IP.IsValid()
	default:
		return false
	}
}

// Node is one element of the parsed expression AST.
type Node interface {
	node()
}

type (
	// Lit is a literal integer, string, IPv4, hex, or boolean.
	Lit struct{ Value Value }

	// Field references a packet header field or metadata field by name,
	// e.g. chaddr, hlen, htype, ciaddr, giaddr, yiaddr, siaddr, msgtype,
	// transid, iface, src, dst, len.
	Field struct{ Name string }

	// Option references an option by code and requested representation:
	// "hex", "text", or "exists".
	Option struct {
		Code uint32
		As   string
	}

	// Member references a previously matched class by name.
	Member struct{ Class string }

	// Not negates its operand.
	Not struct{ X Node }

	// And/Or/Eq/Ne are binary operators.
	And struct{ L, R Node }
	Or  struct{ L, R Node }
	Eq  struct{ L, R Node }
	Ne  struct{ L, R Node }

	// Call invokes a built-in function: substring, concat, split,
	// hexstring, ifelse.
	Call struct {
		Name string
		Args []Node
	}
)

func (Lit) node()    {}
func (Field) node()  {}
func (Option) node() {}
func (Member) node() {}
func (Not) node()    {}
func (And) node()    {}
func (Or) node()     {}
func (Eq) node()     {}
func (Ne) node()     {}
func (Call) node()   {}
