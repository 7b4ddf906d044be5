package protoreg

import (
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Adapter service methods.
const (
	MethodDescribe            = "Describe"
	MethodFetch               = "Fetch"
	MethodJoin                = "Join"
	MethodCreate              = "Create"
	MethodRegisterTransaction = "RegisterTransaction"
	MethodCommit              = "Commit"
	MethodRollback            = "Rollback"
)

// Messages shared by several methods.
const (
	messageRows   = "Rows"
	messageQuery  = "Query"
	messageSettle = "Settle"
	messageEmpty  = "Empty"
)

const (
	// DefaultPackage is the proto package of the adapter service.
	DefaultPackage = "populate.adapter.v1"
	serviceName    = "Adapter"
)

func nameRequest(method string) protoreflect.Name {
	return protoreflect.Name(method + "Request")
}

func nameResponse(method string) protoreflect.Name {
	return protoreflect.Name(method + "Response")
}

// filePath turns "populate.adapter.v1" into "populate/adapter/v1/adapter.proto".
func filePath(pkg string) string {
	return strings.ReplaceAll(pkg, ".", "/") + "/" + snakeCase(serviceName) + ".proto"
}

// snakeCase converts a string from CamelCase or PascalCase to snake_case.
func snakeCase(s string) string {
	result := ""
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		result += string(r)
	}
	return strings.ToLower(result)
}
