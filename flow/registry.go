package flow

import (
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/mohitkumar/fleetflow/model"
)

// StartFunc is the entry handler of a flow. It runs once, right after the
// flow is created.
type StartFunc func(f *Context) error

// StateFunc handles the responses of one request.
type StateFunc func(f *Context, responses *Responses) error

// FlowClass binds a flow name to its handlers. States are addressed by name
// from CallClient, CallFlow and CallState.
type FlowClass struct {
	Name string
	// ArgsType is the message type Start expects. Nil means the flow takes
	// no arguments.
	ArgsType     proto.Message
	Start        StartFunc
	States       map[string]StateFunc
	ValidateArgs func(args proto.Message) error
}

func (c *FlowClass) state(name string) (StateFunc, error) {
	fn, ok := c.States[name]
	if !ok || fn == nil {
		return nil, UnknownStateError{FlowName: c.Name, State: name}
	}
	return fn, nil
}

func (c *FlowClass) argsTypeName() protoreflect.FullName {
	if c.ArgsType == nil {
		return ""
	}
	return proto.MessageName(c.ArgsType)
}

// checkArgs returns the args Start will see. Missing args become an empty
// message of ArgsType.
func (c *FlowClass) checkArgs(args proto.Message) (proto.Message, error) {
	if c.ArgsType == nil {
		if args != nil {
			return nil, ArgsTypeError{FlowName: c.Name, Got: string(proto.MessageName(args))}
		}
		return nil, nil
	}
	if args == nil {
		return c.ArgsType.ProtoReflect().New().Interface(), nil
	}
	if got := proto.MessageName(args); got != c.argsTypeName() {
		return nil, ArgsTypeError{FlowName: c.Name, Expected: string(c.argsTypeName()), Got: string(got)}
	}
	return args, nil
}

func (c *FlowClass) validate(args proto.Message) error {
	if c.ValidateArgs == nil {
		return nil
	}
	if err := c.ValidateArgs(args); err != nil {
		return InvalidArgsError{FlowName: c.Name, Err: err}
	}
	return nil
}

// decodeArgs rebuilds the stored args of a flow of this class.
func (c *FlowClass) decodeArgs(p *model.Payload) (proto.Message, error) {
	if c.ArgsType == nil {
		return nil, nil
	}
	args := c.ArgsType.ProtoReflect().New().Interface()
	if p == nil {
		return args, nil
	}
	if err := p.UnpackTo(args); err != nil {
		return nil, err
	}
	return args, nil
}

type Registry struct {
	mu      sync.RWMutex
	classes map[string]*FlowClass
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*FlowClass)}
}

func (r *Registry) Register(c *FlowClass) error {
	if c == nil || c.Name == "" {
		return InvalidFlowClassError{Reason: "name can not be empty"}
	}
	if c.Start == nil {
		return InvalidFlowClassError{Name: c.Name, Reason: "Start handler is required"}
	}
	for name, fn := range c.States {
		if name == "" || fn == nil {
			return InvalidFlowClassError{Name: c.Name, Reason: "states must have a name and a handler"}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return InvalidFlowClassError{Name: c.Name, Reason: "already registered"}
	}
	r.classes[c.Name] = c
	return nil
}

func (r *Registry) MustRegister(classes ...*FlowClass) {
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (*FlowClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	if !ok {
		return nil, UnknownFlowClassError{Name: name}
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
