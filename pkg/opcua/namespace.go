package opcua

import (
	"errors"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/server/attrs"
	"github.com/gopcua/opcua/ua"

	"github.com/cyroid-lab/plcsim/pkg/process"
)

// registerNamespace is a server.NameSpace holding one Double variable per
// register under the namespace Objects node. It keeps no values of its
// own: reads go to the Source and writes are applied to it before the
// status code is returned.
type registerNamespace struct {
	srv  *server.Server
	name string

	mu    sync.RWMutex
	id    uint16
	vars  map[string]Variable
	order []string
	src   Source
}

func newRegisterNamespace(srv *server.Server, name string) *registerNamespace {
	return &registerNamespace{
		srv:  srv,
		name: name,
		vars: make(map[string]Variable),
	}
}

func (ns *registerNamespace) bind(vars []Variable, src Source) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, v := range vars {
		if _, ok := ns.vars[v.Name]; !ok {
			ns.order = append(ns.order, v.Name)
		}
		ns.vars[v.Name] = v
	}
	ns.src = src
}

func (ns *registerNamespace) nodeID(name string) *ua.NodeID {
	return ua.NewStringNodeID(ns.ID(), name)
}

func (ns *registerNamespace) lookup(n *ua.NodeID) (Variable, Source, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if n == nil || n.Type() != ua.NodeIDTypeString {
		return Variable{}, nil, false
	}
	v, ok := ns.vars[n.StringID()]
	return v, ns.src, ok && ns.src != nil
}

func (ns *registerNamespace) Name() string { return ns.name }

func (ns *registerNamespace) ID() uint16 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.id
}

func (ns *registerNamespace) SetID(id uint16) {
	ns.mu.Lock()
	ns.id = id
	ns.mu.Unlock()
}

// AddNode is a no-op: the variables are fixed by bind.
func (ns *registerNamespace) AddNode(n *server.Node) *server.Node { return n }

func (ns *registerNamespace) Node(*ua.NodeID) *server.Node { return nil }

// Objects is the PLC object.
func (ns *registerNamespace) Objects() *server.Node {
	return server.NewNode(
		ua.NewNumericNodeID(ns.ID(), id.ObjectsFolder),
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:     server.DataValueFromValue(int32(ua.NodeClassObject)),
			ua.AttributeIDBrowseName:    server.DataValueFromValue(attrs.BrowseName(ns.name)),
			ua.AttributeIDDisplayName:   server.DataValueFromValue(attrs.DisplayName(ns.name, "")),
			ua.AttributeIDDataType:      server.DataValueFromValue(ua.NewNumericExpandedNodeID(0, id.ObjectsFolder)),
			ua.AttributeIDEventNotifier: server.DataValueFromValue(int16(0)),
		},
		[]*ua.ReferenceDescription{},
		nil,
	)
}

func (ns *registerNamespace) Root() *server.Node {
	return server.NewNode(
		ua.NewNumericNodeID(ns.ID(), id.RootFolder),
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:   server.DataValueFromValue(int32(ua.NodeClassObject)),
			ua.AttributeIDBrowseName:  server.DataValueFromValue(attrs.BrowseName("Root")),
			ua.AttributeIDDisplayName: server.DataValueFromValue(attrs.DisplayName("Root", "")),
		},
		[]*ua.ReferenceDescription{},
		nil,
	)
}

// Browse lists the variables under the PLC object in register map order.
func (ns *registerNamespace) Browse(bd *ua.BrowseDescription) *ua.BrowseResult {
	nsID := ns.ID()
	switch {
	case bd.NodeID.Type() == ua.NodeIDTypeString:
		return &ua.BrowseResult{StatusCode: ua.StatusGood, References: []*ua.ReferenceDescription{}}
	case bd.NodeID.IntID() == id.RootFolder:
		return &ua.BrowseResult{
			StatusCode: ua.StatusGood,
			References: []*ua.ReferenceDescription{{
				ReferenceTypeID: ua.NewNumericNodeID(0, id.Organizes),
				IsForward:       true,
				NodeID:          ua.NewNumericExpandedNodeID(nsID, id.ObjectsFolder),
				BrowseName:      &ua.QualifiedName{NamespaceIndex: nsID, Name: ns.name},
				DisplayName:     &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: ns.name},
				NodeClass:       ua.NodeClassObject,
				TypeDefinition:  ua.NewNumericExpandedNodeID(0, id.FolderType),
			}},
		}
	case bd.NodeID.IntID() != id.ObjectsFolder:
		return &ua.BrowseResult{StatusCode: ua.StatusGood, References: []*ua.ReferenceDescription{}}
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	refs := make([]*ua.ReferenceDescription, 0, len(ns.order))
	for _, name := range ns.order {
		refs = append(refs, &ua.ReferenceDescription{
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HasComponent),
			IsForward:       true,
			NodeID:          ua.NewStringExpandedNodeID(nsID, name),
			BrowseName:      &ua.QualifiedName{NamespaceIndex: nsID, Name: name},
			DisplayName:     &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: name},
			NodeClass:       ua.NodeClassVariable,
			TypeDefinition:  ua.NewNumericExpandedNodeID(0, id.BaseDataVariableType),
		})
	}
	return &ua.BrowseResult{StatusCode: ua.StatusGood, References: refs}
}

// Attribute answers reads. Values come from the Source so a read always
// sees the model, including writes applied a moment earlier.
func (ns *registerNamespace) Attribute(n *ua.NodeID, a ua.AttributeID) *ua.DataValue {
	if n.Type() != ua.NodeIDTypeString {
		if n.IntID() != id.ObjectsFolder {
			return statusValue(ua.StatusBadNodeIDUnknown)
		}
		av, err := ns.Objects().Attribute(a)
		if err != nil {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		return av.Value
	}

	v, src, ok := ns.lookup(n)
	if !ok {
		return statusValue(ua.StatusBadNodeIDUnknown)
	}

	var value any
	switch a {
	case ua.AttributeIDNodeID:
		value = n
	case ua.AttributeIDNodeClass:
		value = int32(ua.NodeClassVariable)
	case ua.AttributeIDBrowseName:
		value = &ua.QualifiedName{NamespaceIndex: n.Namespace(), Name: v.Name}
	case ua.AttributeIDDisplayName:
		value = attrs.DisplayName(v.Name, "")
	case ua.AttributeIDDescription:
		value = attrs.DisplayName(v.Description, "")
	case ua.AttributeIDValue:
		f, ok := src.Read(v.Name)
		if !ok {
			return statusValue(ua.StatusBadNodeIDUnknown)
		}
		value = f
	case ua.AttributeIDDataType:
		value = ua.NewNumericNodeID(0, id.Double)
	case ua.AttributeIDValueRank:
		value = int32(-1)
	case ua.AttributeIDArrayDimensions:
		value = []uint32{}
	case ua.AttributeIDAccessLevel, ua.AttributeIDUserAccessLevel:
		level := byte(ua.AccessLevelExTypeCurrentRead)
		if v.Writable {
			level |= byte(ua.AccessLevelExTypeCurrentWrite)
		}
		value = level
	case ua.AttributeIDMinimumSamplingInterval:
		value = float64(0)
	case ua.AttributeIDHistorizing:
		value = false
	default:
		return statusValue(ua.StatusBadAttributeIDInvalid)
	}

	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueServerTimestamp | ua.DataValueSourceTimestamp,
		Value:           ua.MustVariant(value),
		ServerTimestamp: time.Now(),
		SourceTimestamp: time.Now(),
	}
}

// SetAttribute applies a client write to the Source. Subscribers are
// notified after the write is stored; no namespace lock is held while the
// server fans the change out.
func (ns *registerNamespace) SetAttribute(n *ua.NodeID, a ua.AttributeID, val *ua.DataValue) ua.StatusCode {
	v, src, ok := ns.lookup(n)
	if !ok {
		return ua.StatusBadNodeIDUnknown
	}
	if a != ua.AttributeIDValue {
		return ua.StatusBadNotWritable
	}
	if val == nil || val.Value == nil {
		return ua.StatusBadTypeMismatch
	}

	if err := src.Write(v.Name, val.Value.Value()); err != nil {
		return statusCode(err)
	}
	ns.srv.ChangeNotification(n)
	return ua.StatusOK
}

// statusCode maps a Source write error to the code returned to the client.
func statusCode(err error) ua.StatusCode {
	switch {
	case errors.Is(err, ErrUnknownNode), errors.Is(err, process.ErrUnknownRegister):
		return ua.StatusBadNodeIDUnknown
	case errors.Is(err, ErrNotWritable), errors.Is(err, process.ErrNotWritable):
		return ua.StatusBadNotWritable
	case errors.Is(err, ErrTypeMismatch), errors.Is(err, process.ErrInvalidValue):
		return ua.StatusBadTypeMismatch
	default:
		return ua.StatusBadInternalError
	}
}

func statusValue(code ua.StatusCode) *ua.DataValue {
	return &ua.DataValue{
		EncodingMask:    ua.DataValueServerTimestamp | ua.DataValueStatusCode,
		ServerTimestamp: time.Now(),
		Status:          code,
	}
}

// Compile-time interface satisfaction check.
var _ server.NameSpace = (*registerNamespace)(nil)
