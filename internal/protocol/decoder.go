package protocol

import (
	"fmt"
	"io"

	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
	"github.com/leengari/logirep/internal/wire"
)

// TransportClosed is returned by Next when the underlying transport
// reaches end of stream between frames.
type TransportClosed struct{}

func (e *TransportClosed) Error() string { return "transport closed" }

// Decoder reads messages off a transport, unwrapping the outer
// copy-data envelope and dispatching each inner tag. It owns the
// relation cache on its side of the session and the local type catalog
// used to interpret tuple payloads.
type Decoder struct {
	r                *wire.StreamReader
	cache            *relation.Cache
	types            tupledata.Registry
	expectedEncoding string

	startupSeen bool
	caps        tupledata.Capabilities
}

// NewDecoder builds a Decoder. expectedEncoding is this side's database
// encoding, validated against the peer's declared client_encoding at
// STARTUP.
func NewDecoder(r io.Reader, cache *relation.Cache, types tupledata.Registry, expectedEncoding string) *Decoder {
	return &Decoder{r: wire.NewStreamReader(r), cache: cache, types: types, expectedEncoding: expectedEncoding}
}

// Next reads and decodes the next message, transparently consuming and
// discarding keepalive frames (and any outer tag this decoder does not
// recognize) until a data frame with an inner message arrives.
func (d *Decoder) Next() (Message, error) {
	for {
		tag, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return Message{}, &TransportClosed{}
			}
			return Message{}, err
		}

		if _, err := d.r.ReadInt64(); err != nil { // sender timestamp, unused
			return Message{}, err
		}
		length, err := d.r.ReadUint32()
		if err != nil {
			return Message{}, err
		}
		body, err := d.r.ReadRaw(int(length))
		if err != nil {
			return Message{}, err
		}

		if tag != outerData {
			// Keepalive, or any outer tag this decoder doesn't know:
			// consumed above, ignored per spec.md §6.
			continue
		}
		if len(body) == 0 {
			continue
		}
		return d.decodeInner(wire.NewReader(body))
	}
}

func (d *Decoder) decodeInner(r *wire.Reader) (Message, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}

	switch tag {
	case TagStartup:
		return d.decodeStartup(r)
	case TagBegin:
		return d.decodeBegin(r)
	case TagOrigin:
		return d.decodeOrigin(r)
	case TagCommit:
		return d.decodeCommit(r)
	case TagRelation:
		return d.decodeRelation(r)
	case TagInsert:
		return d.decodeInsert(r)
	case TagUpdate:
		return d.decodeUpdate(r)
	case TagDelete:
		return d.decodeDelete(r)
	default:
		return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("message tag %q", string(tag))}
	}
}

func (d *Decoder) decodeStartup(r *wire.Reader) (Message, error) {
	format, err := r.ReadUint8()
	if err != nil {
		return Message{}, err
	}
	if format != 1 {
		return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("startup format %d", format)}
	}

	kv := map[string]string{}
	for !r.Done() {
		k, err := r.ReadLStr16()
		if err != nil {
			return Message{}, err
		}
		v, err := r.ReadLStr16()
		if err != nil {
			return Message{}, err
		}
		kv[k] = v
	}

	s := Startup{
		ClientEncoding:         kv["client_encoding"],
		AllowInternalBasetypes: kv["allow_internal_basetypes"] == "true",
		AllowBinaryBasetypes:   kv["allow_binary_basetypes"] == "true",
		ReplicationSets:        splitCommaList(kv["replication_sets"]),
	}
	if d.expectedEncoding != "" && s.ClientEncoding != d.expectedEncoding {
		return Message{}, fmt.Errorf("protocol: client_encoding %q does not match database encoding %q", s.ClientEncoding, d.expectedEncoding)
	}

	d.caps = s.capabilities()
	d.startupSeen = true
	return Message{Tag: TagStartup, Startup: &s}, nil
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func (d *Decoder) decodeBegin(r *wire.Reader) (Message, error) {
	if _, err := r.ReadUint8(); err != nil { // flags, reserved
		return Message{}, err
	}
	finalLSN, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	commitTime, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	xid, err := r.ReadUint32()
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: TagBegin, Begin: &Begin{FinalLSN: finalLSN, CommitTime: commitTime, XID: xid}}, nil
}

func (d *Decoder) decodeOrigin(r *wire.Reader) (Message, error) {
	if _, err := r.ReadUint8(); err != nil {
		return Message{}, err
	}
	lsn, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	nameLen, err := r.ReadUint8()
	if err != nil {
		return Message{}, err
	}
	name, err := r.ReadRaw(int(nameLen))
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: TagOrigin, Origin: &Origin{LSN: lsn, Name: string(name)}}, nil
}

func (d *Decoder) decodeCommit(r *wire.Reader) (Message, error) {
	if _, err := r.ReadUint8(); err != nil {
		return Message{}, err
	}
	commitLSN, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	endLSN, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	commitTime, err := r.ReadInt64()
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: TagCommit, Commit: &Commit{CommitLSN: commitLSN, EndLSN: endLSN, CommitTime: commitTime}}, nil
}

func (d *Decoder) decodeRelation(r *wire.Reader) (Message, error) {
	if _, err := r.ReadUint8(); err != nil { // flags, reserved
		return Message{}, err
	}
	id, err := r.ReadUint32()
	if err != nil {
		return Message{}, err
	}
	attrsTag, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	if attrsTag != 'A' {
		return Message{}, &wire.MalformedFrame{Reason: fmt.Sprintf("expected ATTRS tag 'A', got %q", attrsTag)}
	}
	count, err := r.ReadUint16()
	if err != nil {
		return Message{}, err
	}

	columns := make([]relation.Column, count)
	for i := range columns {
		colTag, err := r.ReadByte()
		if err != nil {
			return Message{}, err
		}
		if colTag != 'C' {
			return Message{}, &wire.MalformedFrame{Reason: fmt.Sprintf("expected column block tag 'C', got %q", colTag)}
		}
		flags, err := r.ReadUint8()
		if err != nil {
			return Message{}, err
		}
		nTag, err := r.ReadByte()
		if err != nil {
			return Message{}, err
		}
		if nTag != 'N' {
			return Message{}, &wire.MalformedFrame{Reason: fmt.Sprintf("expected column name tag 'N', got %q", nTag)}
		}
		name, err := r.ReadLStr16()
		if err != nil {
			return Message{}, err
		}
		columns[i] = relation.Column{Name: name, ReplicaIdentity: flags&relationFlagIdentity != 0}
		if flags &^ relationFlagIdentity != 0 {
			return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("relation column flag bits %#x", flags)}
		}
	}

	desc := relation.NewDescriptor(relation.ID(id), "", "", columns)
	d.cache.Put(desc)
	return Message{Tag: TagRelation, Relation: &Relation{Descriptor: desc}}, nil
}

// lookupRelation resolves id against the session's relation cache.
// Per spec.md §4.3, a row change for an id the cache has never seen
// fails with UnknownRelation, not ProtocolViolation — the two are
// listed together in spec.md §7's error table, but §4.3 is explicit
// about which kind this case actually raises.
func (d *Decoder) lookupRelation(id relation.ID) (relation.Descriptor, error) {
	return d.cache.Get(id)
}

func (d *Decoder) decodeInsert(r *wire.Reader) (Message, error) {
	flags, err := r.ReadUint8()
	if err != nil {
		return Message{}, err
	}
	if flags != 0 {
		return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("insert flag bits %#x", flags)}
	}
	id, err := r.ReadUint32()
	if err != nil {
		return Message{}, err
	}
	desc, err := d.lookupRelation(relation.ID(id))
	if err != nil {
		return Message{}, err
	}
	if err := expectTag(r, newTupleTag); err != nil {
		return Message{}, err
	}
	tuple, err := tupledata.Decode(r, desc.Columns, d.types, d.caps)
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: TagInsert, Insert: &Insert{RelationID: relation.ID(id), New: tuple}}, nil
}

func (d *Decoder) decodeUpdate(r *wire.Reader) (Message, error) {
	flags, err := r.ReadUint8()
	if err != nil {
		return Message{}, err
	}
	if flags != 0 {
		return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("update flag bits %#x", flags)}
	}
	id, err := r.ReadUint32()
	if err != nil {
		return Message{}, err
	}
	desc, err := d.lookupRelation(relation.ID(id))
	if err != nil {
		return Message{}, err
	}

	peek, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}

	u := &Update{RelationID: relation.ID(id)}
	if peek == keyTupleTag {
		key, err := tupledata.Decode(r, desc.IdentityColumns(), d.types, d.caps)
		if err != nil {
			return Message{}, err
		}
		u.HasKey = true
		u.Key = key
		if err := expectTag(r, newTupleTag); err != nil {
			return Message{}, err
		}
	} else if peek != newTupleTag {
		return Message{}, &wire.MalformedFrame{Reason: fmt.Sprintf("expected 'K' or 'N', got %q", peek)}
	}

	newTuple, err := tupledata.Decode(r, desc.Columns, d.types, d.caps)
	if err != nil {
		return Message{}, err
	}
	u.New = newTuple
	return Message{Tag: TagUpdate, Update: u}, nil
}

func (d *Decoder) decodeDelete(r *wire.Reader) (Message, error) {
	flags, err := r.ReadUint8()
	if err != nil {
		return Message{}, err
	}
	if flags != 0 {
		return Message{}, &UnsupportedFeature{Feature: fmt.Sprintf("delete flag bits %#x", flags)}
	}
	id, err := r.ReadUint32()
	if err != nil {
		return Message{}, err
	}
	desc, err := d.lookupRelation(relation.ID(id))
	if err != nil {
		return Message{}, err
	}
	if err := expectTag(r, keyTupleTag); err != nil {
		return Message{}, err
	}
	key, err := tupledata.Decode(r, desc.IdentityColumns(), d.types, d.caps)
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: TagDelete, Delete: &Delete{RelationID: relation.ID(id), Key: key}}, nil
}

func expectTag(r *wire.Reader, want byte) error {
	got, err := r.ReadByte()
	if err != nil {
		return err
	}
	if got != want {
		return &wire.MalformedFrame{Reason: fmt.Sprintf("expected tag %q, got %q", want, got)}
	}
	return nil
}
