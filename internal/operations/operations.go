package operations

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/criteria"
	"github.com/hanpama/populate/internal/logging"
)

// Kind tells what the caller wants out of a run.
type Kind string

const (
	Find    Kind = "find"
	FindOne Kind = "findOne"
)

const (
	methodFetch = "fetch"
	methodJoin  = "join"
)

// ErrRan is returned when Run is called twice on the same plan.
var ErrRan = errors.New("operations: plan already ran")

// StructuralError reports a plan that cannot be built: a join whose parent
// path is not owned by any operation, or a connection lacking a required
// capability. It is never retried.
type StructuralError struct {
	Subject string
	Reason  string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("operations: %s: %s", e.Subject, e.Reason)
}

// Context is what a run needs besides the criteria.
type Context struct {
	Collection  *collection.Collection
	Registry    *collection.Registry
	Connections adapter.Connections
}

type operation struct {
	path       string
	collection *collection.Collection
	connection string
	adapter    adapter.Adapter
	method     string
	// criteria is in physical names and carries no joins.
	criteria *criteria.Criteria
	joins    []*criteria.Join
	tables   map[string]string

	// set on dependent operations
	parent *operation
	join   *criteria.Join
	lookup string

	done chan struct{}
}

// Operations is the plan of one population run.
type Operations struct {
	ctx     Context
	kind    Kind
	meta    any
	paths   criteria.Paths
	through bool

	ops   []*operation
	index map[string]*operation
	// path -> name -> new name; an empty new name drops the field in the
	// final pass.
	transforms map[string]map[string]string
	// path -> sort, skip and limit of a to-many populate. Adapters only
	// filter; the window is cut per owning row once the tree is merged.
	windows map[string]*criteria.Criteria

	ran atomic.Bool
}

// Step describes one planned operation.
type Step struct {
	Path       string   `json:"path"`
	Collection string   `json:"collection"`
	Connection string   `json:"connection"`
	Method     string   `json:"method"`
	Joins      []string `json:"joins,omitempty"`
	DependsOn  string   `json:"dependsOn,omitempty"`
}

// New plans a run of crit against ctx.Collection. meta is handed to every
// adapter call untouched.
func New(ctx Context, crit *criteria.Criteria, kind Kind, meta any) (*Operations, error) {
	if ctx.Collection == nil {
		return nil, fmt.Errorf("operations: no collection")
	}
	if crit == nil {
		crit = &criteria.Criteria{}
	}
	o := &Operations{
		ctx:        ctx,
		kind:       kind,
		meta:       meta,
		paths:      crit.Paths,
		index:      map[string]*operation{},
		transforms: map[string]map[string]string{},
		windows:    map[string]*criteria.Criteria{},
	}

	base := crit.Clone()
	base.Joins, base.Paths = nil, nil
	if kind == FindOne {
		base.Limit = 1
	}
	root, err := o.newOperation(ctx.Collection.Identity, ctx.Collection, base)
	if err != nil {
		return nil, err
	}
	o.ops = append(o.ops, root)
	if len(crit.Joins) == 0 {
		return o, nil
	}
	if ctx.Registry == nil {
		return nil, fmt.Errorf("operations: joins need a registry")
	}
	o.index[root.path] = root
	for _, j := range crit.Joins {
		if w := window(j); w != nil {
			o.windows[j.Path] = w
		}
		if err := o.plan(j); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Operations) newOperation(path string, c *collection.Collection, crit *criteria.Criteria) (*operation, error) {
	a, err := o.ctx.Connections.Lookup(c.Connection)
	if err != nil {
		return nil, fmt.Errorf("operations: %s: %w", path, err)
	}
	return &operation{
		path:       path,
		collection: c,
		connection: c.Connection,
		adapter:    a,
		method:     methodFetch,
		criteria:   c.Transformer.SerializeCriteria(crit),
		tables:     map[string]string{c.Identity: c.Table},
		done:       make(chan struct{}),
	}, nil
}

func (o *Operations) plan(j *criteria.Join) error {
	parentPath := criteria.ParentPath(j.Path)
	lookup := parentPath
	if j.Through != "" {
		lookup += "." + j.Through
		o.through = true
	}
	owner := o.index[lookup]
	if owner == nil {
		return &StructuralError{Subject: j.Path, Reason: fmt.Sprintf("no operation owns %q", lookup)}
	}
	parent, err := o.ctx.Registry.Get(j.Parent)
	if err != nil {
		return err
	}
	child, err := o.ctx.Registry.Get(j.Child)
	if err != nil {
		return err
	}
	if child.Junction {
		o.through = true
		o.transform(parentPath, j.Alias, "")
	}

	if foldable(owner, parent, child, j) {
		hop := *j
		hop.Criteria = child.Transformer.SerializeCriteria(unpaged(j.Criteria))
		owner.joins = append(owner.joins, &hop)
		owner.method = methodJoin
		owner.tables[child.Identity] = child.Table
		o.index[j.Path] = owner
		if j.Through != "" {
			if ps := o.paths[lookup]; ps != nil && ps.Models[j.Alias] != nil {
				o.transform(lookup, j.Alias, ps.Models[j.Alias].Via)
			}
		}
		logging.Debug().Str("path", j.Path).Str("into", owner.path).Str("connection", owner.connection).Msg("join folded")
		return nil
	}

	dep, err := o.newOperation(j.Path, child, unpaged(j.Criteria))
	if err != nil {
		return err
	}
	dep.parent = owner
	dep.join = j
	dep.lookup = lookup
	o.ops = append(o.ops, dep)
	o.index[j.Path] = dep
	logging.Debug().Str("path", j.Path).Str("after", owner.path).Str("connection", dep.connection).Msg("dependent operation")
	return nil
}

func window(j *criteria.Join) *criteria.Criteria {
	c := j.Criteria
	if j.Model || c == nil || (len(c.Sort) == 0 && c.Limit == 0 && c.Skip == 0) {
		return nil
	}
	return &criteria.Criteria{Sort: c.Sort, Skip: c.Skip, Limit: c.Limit}
}

// unpaged drops limit and skip. Applied by an adapter they would count
// rows across every parent of the call.
func unpaged(c *criteria.Criteria) *criteria.Criteria {
	if c == nil || (c.Limit == 0 && c.Skip == 0) {
		return c
	}
	c = c.Clone()
	c.Limit, c.Skip = 0, 0
	return c
}

// foldable reports whether owner's adapter can resolve j in the same call.
func foldable(owner *operation, parent, child *collection.Collection, j *criteria.Join) bool {
	if parent.Connection != owner.connection || child.Connection != owner.connection {
		return false
	}
	switch adapter.Capability(owner.adapter) {
	case adapter.DeepJoin:
		return true
	case adapter.FlatJoin:
		return j.Parent == owner.collection.Identity
	}
	return false
}

func (o *Operations) transform(path, from, to string) {
	m := o.transforms[path]
	if m == nil {
		m = map[string]string{}
		o.transforms[path] = m
	}
	m[from] = to
}

// Steps describes the plan, root first.
func (o *Operations) Steps() []Step {
	out := make([]Step, len(o.ops))
	for i, op := range o.ops {
		s := Step{
			Path:       op.path,
			Collection: op.collection.Identity,
			Connection: op.connection,
			Method:     op.method,
		}
		for _, j := range op.joins {
			s.Joins = append(s.Joins, j.Path)
		}
		if op.parent != nil {
			s.DependsOn = op.parent.path
		}
		out[i] = s
	}
	return out
}
