package language

import "github.com/vektah/gqlparser/v2/ast"

type (
	QueryDocument = ast.QueryDocument
	SelectionSet  = ast.SelectionSet
	Field         = ast.Field
	ArgumentList  = ast.ArgumentList
	Position      = ast.Position
)
