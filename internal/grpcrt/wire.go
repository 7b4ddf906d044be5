package grpcrt

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/record"
)

// Query is the decoded form of a Query message.
type Query struct {
	Request     adapter.Request
	Transaction string
	Rows        []record.Row
}

// NewMessage returns an empty message of md with fields assigned from
// values. Values are string, bool, []byte or []string.
func NewMessage(md protoreflect.MessageDescriptor, values map[string]any) protoreflect.Message {
	m := dynamicpb.NewMessage(md)
	for name, v := range values {
		fd := md.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			panic(fmt.Sprintf("grpcrt: %s has no field %q", md.FullName(), name))
		}
		switch x := v.(type) {
		case string:
			m.Set(fd, protoreflect.ValueOfString(x))
		case bool:
			m.Set(fd, protoreflect.ValueOfBool(x))
		case []byte:
			m.Set(fd, protoreflect.ValueOfBytes(x))
		case []string:
			list := m.Mutable(fd).List()
			for _, s := range x {
				list.Append(protoreflect.ValueOfString(s))
			}
		default:
			panic(fmt.Sprintf("grpcrt: unsupported value %T for %s", v, fd.FullName()))
		}
	}
	return m
}

// String reads a string field of m, "" when m lacks it.
func String(m protoreflect.Message, name string) string {
	if fd := m.Descriptor().Fields().ByName(protoreflect.Name(name)); fd != nil {
		return m.Get(fd).String()
	}
	return ""
}

// Bool reads a bool field of m.
func Bool(m protoreflect.Message, name string) bool {
	if fd := m.Descriptor().Fields().ByName(protoreflect.Name(name)); fd != nil {
		return m.Get(fd).Bool()
	}
	return false
}

// Bytes reads a bytes field of m.
func Bytes(m protoreflect.Message, name string) []byte {
	if fd := m.Descriptor().Fields().ByName(protoreflect.Name(name)); fd != nil {
		return m.Get(fd).Bytes()
	}
	return nil
}

// Strings reads a repeated string field of m.
func Strings(m protoreflect.Message, name string) []string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return nil
	}
	list := m.Get(fd).List()
	out := make([]string, list.Len())
	for i := range out {
		out[i] = list.Get(i).String()
	}
	return out
}

// EncodeQuery builds a Query message of md.
func EncodeQuery(md protoreflect.MessageDescriptor, q Query) (protoreflect.Message, error) {
	crit, err := criteria.Encode(q.Request.Criteria)
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		"connection":  q.Request.Connection,
		"collection":  q.Request.Collection,
		"table":       q.Request.Table,
		"primary_key": q.Request.PrimaryKey,
		"criteria":    crit,
		"transaction": q.Transaction,
	}
	if len(q.Request.Tables) > 0 {
		tables := make(map[string]any, len(q.Request.Tables))
		for k, v := range q.Request.Tables {
			tables[k] = v
		}
		b, err := oj.Marshal(tables)
		if err != nil {
			return nil, err
		}
		values["tables"] = b
	}
	if q.Rows != nil {
		b, err := criteria.EncodeRows(q.Rows)
		if err != nil {
			return nil, err
		}
		values["rows"] = b
	}
	return NewMessage(md, values), nil
}

// DecodeQuery reverses EncodeQuery.
func DecodeQuery(m protoreflect.Message) (Query, error) {
	crit, err := criteria.Decode(Bytes(m, "criteria"))
	if err != nil {
		return Query{}, err
	}
	q := Query{
		Request: adapter.Request{
			Connection: String(m, "connection"),
			Collection: String(m, "collection"),
			Table:      String(m, "table"),
			PrimaryKey: String(m, "primary_key"),
			Criteria:   crit,
		},
		Transaction: String(m, "transaction"),
	}
	if b := Bytes(m, "tables"); len(b) > 0 {
		v, err := oj.Parse(b)
		if err != nil {
			return Query{}, fmt.Errorf("grpcrt: tables: %w", err)
		}
		obj, _ := v.(map[string]any)
		q.Request.Tables = make(map[string]string, len(obj))
		for k, t := range obj {
			s, ok := t.(string)
			if !ok {
				return Query{}, fmt.Errorf("grpcrt: tables: %s is %T", k, t)
			}
			q.Request.Tables[k] = s
		}
	}
	if q.Rows, err = criteria.DecodeRows(Bytes(m, "rows")); err != nil {
		return Query{}, err
	}
	return q, nil
}

// EncodeRows builds a Rows message of md.
func EncodeRows(md protoreflect.MessageDescriptor, rows []record.Row) (protoreflect.Message, error) {
	b, err := criteria.EncodeRows(rows)
	if err != nil {
		return nil, err
	}
	return NewMessage(md, map[string]any{"rows": b}), nil
}

// DecodeRows reads the rows of a Rows message. An absent payload is an
// empty result.
func DecodeRows(m protoreflect.Message) ([]record.Row, error) {
	rows, err := criteria.DecodeRows(Bytes(m, "rows"))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []record.Row{}
	}
	return rows, nil
}
