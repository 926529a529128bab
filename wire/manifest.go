package wire

import "sort"

// ManifestTable is the decoded form of a Manifest frame's payload: a peer's
// advertised grain/interface catalog (spec.md §3 Manifest, §4.4 method-id
// computation).
type ManifestTable struct {
	// Interfaces maps interface_id -> sorted method names, method_index is
	// the slice position (methods are numbered by sorting names ordinal,
	// case-sensitive, per spec.md §4.4).
	Interfaces map[uint32][]string
	// GrainTypes maps grain_type_id -> arbitrary string property map.
	GrainTypes map[uint32]map[string]string
}

// NewManifestTable builds a ManifestTable from interface method sets,
// sorting each interface's methods to derive canonical method indices.
func NewManifestTable(interfaces map[uint32][]string, grainTypes map[uint32]map[string]string) *ManifestTable {
	t := &ManifestTable{
		Interfaces: make(map[uint32][]string, len(interfaces)),
		GrainTypes: grainTypes,
	}
	for id, methods := range interfaces {
		sorted := append([]string(nil), methods...)
		sort.Strings(sorted)
		t.Interfaces[id] = sorted
	}
	return t
}

// MethodIndex returns the index of name within interfaceID's sorted method
// list, as required by spec.md §4.4 ("both sides MUST derive indices
// identically").
func (t *ManifestTable) MethodIndex(interfaceID uint32, name string) (uint16, bool) {
	methods, ok := t.Interfaces[interfaceID]
	if !ok {
		return 0, false
	}
	// Interfaces map is built pre-sorted by NewManifestTable; a linear
	// search keeps this file free of a second sorted-index structure for
	// what is, in practice, a handful of methods per interface.
	for i, m := range methods {
		if m == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// MethodName is the inverse of MethodIndex, used by the server invocation
// engine (C5) to resolve an inbound method_index back to a dispatchable name.
func (t *ManifestTable) MethodName(interfaceID uint32, index uint16) (string, bool) {
	methods, ok := t.Interfaces[interfaceID]
	if !ok || int(index) >= len(methods) {
		return "", false
	}
	return methods[index], true
}

// Encode serializes the table into the opaque payload carried by a Manifest
// frame (wire.go's ManifestFrame.Payload).
func (t *ManifestTable) Encode() []byte {
	var b []byte
	b = putU32(b, uint32(len(t.Interfaces)))

	ifaceIDs := make([]uint32, 0, len(t.Interfaces))
	for id := range t.Interfaces {
		ifaceIDs = append(ifaceIDs, id)
	}
	sortU32(ifaceIDs)

	for _, id := range ifaceIDs {
		methods := t.Interfaces[id]
		b = putU32(b, id)
		b = putU32(b, uint32(len(methods)))
		for _, m := range methods {
			b = putBytes(b, []byte(m))
		}
	}

	grainIDs := make([]uint32, 0, len(t.GrainTypes))
	for id := range t.GrainTypes {
		grainIDs = append(grainIDs, id)
	}
	sortU32(grainIDs)

	b = putU32(b, uint32(len(grainIDs)))
	for _, id := range grainIDs {
		props := t.GrainTypes[id]
		b = putU32(b, id)
		b = putU32(b, uint32(len(props)))
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b = putBytes(b, []byte(k))
			b = putBytes(b, []byte(props[k]))
		}
	}
	return b
}

// DecodeManifestTable parses the payload produced by Encode.
func DecodeManifestTable(payload []byte) (*ManifestTable, error) {
	r := &reader{b: payload}
	t := &ManifestTable{Interfaces: map[uint32][]string{}, GrainTypes: map[uint32]map[string]string{}}

	ifaceCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < ifaceCount; i++ {
		id, err := r.u32()
		if err != nil {
			return nil, err
		}
		methodCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		methods := make([]string, 0, methodCount)
		for j := uint32(0); j < methodCount; j++ {
			name, err := r.lenPrefixed()
			if err != nil {
				return nil, err
			}
			methods = append(methods, string(name))
		}
		t.Interfaces[id] = methods
	}

	grainCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < grainCount; i++ {
		id, err := r.u32()
		if err != nil {
			return nil, err
		}
		propCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		props := make(map[string]string, propCount)
		for j := uint32(0); j < propCount; j++ {
			k, err := r.lenPrefixed()
			if err != nil {
				return nil, err
			}
			v, err := r.lenPrefixed()
			if err != nil {
				return nil, err
			}
			props[string(k)] = string(v)
		}
		t.GrainTypes[id] = props
	}
	return t, nil
}

func sortU32(s []uint32) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
