package rpc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages are google.protobuf.Struct values. Identifiers travel as decimal
// strings, the way protojson encodes 64-bit integers, so they survive the
// float64 number representation of Struct.

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func u64(n uint64) *structpb.Value { return structpb.NewStringValue(strconv.FormatUint(n, 10)) }

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// uint64Field reads a decimal string or a whole number.
func uint64Field(s *structpb.Struct, name string) (uint64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ledger.ErrInvalidInput, name)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %q: %v", ledger.ErrInvalidInput, name, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f != float64(uint64(f)) {
			return 0, fmt.Errorf("%w: field %q must be a non-negative integer", ledger.ErrInvalidInput, name)
		}
		return uint64(f), nil
	}
	return 0, fmt.Errorf("%w: field %q has the wrong type", ledger.ErrInvalidInput, name)
}

func timeField(s *structpb.Struct, name string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, stringField(s, name))
	return t
}

func recordToStruct(r *ledger.Record) *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		"id":                u64(r.ID),
		"content_reference": str(r.ContentReference),
		"owner":             str(string(r.Owner)),
		"created_at":        str(r.CreatedAt.Format(time.RFC3339Nano)),
	})
}

func recordFromStruct(s *structpb.Struct) (*ledger.Record, error) {
	id, err := uint64Field(s, "id")
	if err != nil {
		return nil, err
	}
	return &ledger.Record{
		ID:               id,
		ContentReference: stringField(s, "content_reference"),
		Owner:            identity.Identity(stringField(s, "owner")),
		CreatedAt:        timeField(s, "created_at"),
	}, nil
}

func grantToStruct(g access.Grant) *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		"record_id":  u64(g.RecordID),
		"grantee":    str(string(g.Grantee)),
		"grantor":    str(string(g.Grantor)),
		"seq":        u64(g.Seq),
		"granted_at": str(g.GrantedAt.Format(time.RFC3339Nano)),
	})
}

func grantFromStruct(s *structpb.Struct) (access.Grant, error) {
	rid, err := uint64Field(s, "record_id")
	if err != nil {
		return access.Grant{}, err
	}
	seq, err := uint64Field(s, "seq")
	if err != nil {
		return access.Grant{}, err
	}
	return access.Grant{
		RecordID:  rid,
		Grantee:   identity.Identity(stringField(s, "grantee")),
		Grantor:   identity.Identity(stringField(s, "grantor")),
		Seq:       seq,
		GrantedAt: timeField(s, "granted_at"),
	}, nil
}

func eventToStruct(e events.Event) *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		"id":                str(e.ID.String()),
		"type":              str(string(e.Type)),
		"record_id":         u64(e.RecordID),
		"actor":             str(e.Actor),
		"subject":           str(e.Subject),
		"content_reference": str(e.ContentReference),
		"at":                str(e.At.Format(time.RFC3339Nano)),
	})
}

func eventFromStruct(s *structpb.Struct) (events.Event, error) {
	id, err := uuid.Parse(stringField(s, "id"))
	if err != nil {
		return events.Event{}, fmt.Errorf("event id: %w", err)
	}
	rid, err := uint64Field(s, "record_id")
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		ID:               id,
		Type:             events.Type(stringField(s, "type")),
		RecordID:         rid,
		Actor:            stringField(s, "actor"),
		Subject:          stringField(s, "subject"),
		ContentReference: stringField(s, "content_reference"),
		At:               timeField(s, "at"),
	}, nil
}

func listValue(items []*structpb.Struct) *structpb.Value {
	vals := make([]*structpb.Value, len(items))
	for i, it := range items {
		vals[i] = structpb.NewStructValue(it)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func listField(s *structpb.Struct, name string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[name].GetListValue().GetValues() {
		out = append(out, v.GetStructValue())
	}
	return out
}
