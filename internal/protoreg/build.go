package protoreg

import (
	"fmt"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

type field struct {
	name     protoreflect.Name
	kind     protoreflect.Kind
	repeated bool
	doc      string
}

type message struct {
	name   protoreflect.Name
	doc    string
	fields []field
}

var messages = []message{
	{name: messageEmpty},
	{
		name: messageQuery,
		doc:  "Query addresses one collection on one connection. Criteria and tables\nare JSON documents in physical column names.",
		fields: []field{
			{name: "connection", kind: protoreflect.StringKind},
			{name: "collection", kind: protoreflect.StringKind},
			{name: "table", kind: protoreflect.StringKind},
			{name: "primary_key", kind: protoreflect.StringKind},
			{name: "criteria", kind: protoreflect.BytesKind},
			{name: "tables", kind: protoreflect.BytesKind, doc: "identity to table of every joined collection"},
			{name: "transaction", kind: protoreflect.StringKind, doc: "empty outside transactions"},
			{name: "rows", kind: protoreflect.BytesKind, doc: "rows to create"},
		},
	},
	{
		name:   messageRows,
		doc:    "Rows is a JSON array of rows. Joined children are embedded under their\njoin alias.",
		fields: []field{{name: "rows", kind: protoreflect.BytesKind}},
	},
	{
		name:   nameRequest(MethodDescribe),
		fields: []field{{name: "connection", kind: protoreflect.StringKind}},
	},
	{
		name: nameResponse(MethodDescribe),
		fields: []field{
			{name: "identity", kind: protoreflect.StringKind},
			{name: "join_capability", kind: protoreflect.StringKind, doc: "none, flat or deep"},
			{name: "transactional", kind: protoreflect.BoolKind},
			{name: "writable", kind: protoreflect.BoolKind},
		},
	},
	{
		name: nameRequest(MethodRegisterTransaction),
		fields: []field{
			{name: "connection", kind: protoreflect.StringKind},
			{name: "collections", kind: protoreflect.StringKind, repeated: true},
		},
	},
	{
		name:   nameResponse(MethodRegisterTransaction),
		fields: []field{{name: "id", kind: protoreflect.StringKind}},
	},
	{
		name: messageSettle,
		fields: []field{
			{name: "connection", kind: protoreflect.StringKind},
			{name: "id", kind: protoreflect.StringKind},
		},
	},
}

type method struct {
	name   string
	input  protoreflect.Name
	output protoreflect.Name
	doc    string
}

var methods = []method{
	{MethodDescribe, nameRequest(MethodDescribe), nameResponse(MethodDescribe), "Describe reports what the back-end supports."},
	{MethodFetch, messageQuery, messageRows, ""},
	{MethodJoin, messageQuery, messageRows, "Join fetches like Fetch and resolves the joins of the criteria natively."},
	{MethodCreate, messageQuery, messageRows, ""},
	{MethodRegisterTransaction, nameRequest(MethodRegisterTransaction), nameResponse(MethodRegisterTransaction), ""},
	{MethodCommit, messageSettle, messageEmpty, ""},
	{MethodRollback, messageSettle, messageEmpty, ""},
}

// Build assembles the adapter service in proto package pkg
// (DefaultPackage when empty).
func Build(pkg string) (*Registry, error) {
	if pkg == "" {
		pkg = DefaultPackage
	}
	fb := protobuilder.NewFile(filePath(pkg))
	fb.SetPackageName(protoreflect.FullName(pkg))
	fb.SetSyntax(protoreflect.Proto3)

	builders := make(map[protoreflect.Name]*protobuilder.MessageBuilder, len(messages))
	for _, m := range messages {
		mb := protobuilder.NewMessage(m.name)
		mb.SetComments(comment(m.doc))
		fields := make([]*protobuilder.FieldBuilder, 0, len(m.fields))
		for _, f := range m.fields {
			fdb := protobuilder.NewField(f.name, protobuilder.FieldTypeScalar(f.kind))
			fdb.SetComments(comment(f.doc))
			if f.repeated {
				fdb.SetRepeated()
			}
			mb.AddField(fdb)
			fields = append(fields, fdb)
		}
		allocateFieldNumbers(fields)
		builders[m.name] = mb
		fb.AddMessage(mb)
	}

	sb := protobuilder.NewService(serviceName)
	sb.SetComments(comment("Adapter exposes one storage back-end to remote population engines."))
	for _, m := range methods {
		in, out := builders[m.input], builders[m.output]
		if in == nil || out == nil {
			return nil, fmt.Errorf("protoreg: %s: unknown message", m.name)
		}
		mtb := protobuilder.NewMethod(protoreflect.Name(m.name),
			protobuilder.RpcTypeMessage(in, false),
			protobuilder.RpcTypeMessage(out, false),
		)
		mtb.SetComments(comment(m.doc))
		sb.AddMethod(mtb)
	}
	fb.AddService(sb)

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("protoreg: %w", err)
	}
	return newRegistry(fd)
}
