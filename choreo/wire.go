package choreo

import (
	"fmt"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/journal"
)

// Wire forms of the FROST values exchanged between devices. Scalars and
// points travel in their canonical encodings.

type wireCommitment struct {
	_ struct{} `cbor:",toarray"`

	ID      []byte
	Hiding  []byte
	Binding []byte
}

type wireShare struct {
	_ struct{} `cbor:",toarray"`

	ID []byte
	Z  []byte
}

type wireDealing struct {
	_ struct{} `cbor:",toarray"`

	DealerID      []byte
	Commitments   [][]byte
	WeightedShare []byte
	Blind         []byte
}

type wireSubShare struct {
	_ struct{} `cbor:",toarray"`

	DealerID    []byte
	RecipientID []byte
	Value       []byte
}

// wireKeyShare is a key share as sealed for storage or delivery.
type wireKeyShare struct {
	_ struct{} `cbor:",toarray"`

	Index     uint16
	Threshold uint16
	Total     uint16
	ID        []byte
	SecretKey []byte
	PublicKey []byte
	GroupKey  []byte
}

func encodeCommitment(c *frost.SigningCommitment) wireCommitment {
	return wireCommitment{ID: c.ID.Bytes(), Hiding: c.HidingPoint.Bytes(), Binding: c.BindingPoint.Bytes()}
}

func decodeCommitment(w wireCommitment) (*frost.SigningCommitment, error) {
	g := journal.Suite
	id, err := group.DecodeScalar(g, w.ID)
	if err != nil {
		return nil, fmt.Errorf("commitment id: %w", err)
	}
	hiding, err := group.DecodePoint(g, w.Hiding)
	if err != nil {
		return nil, fmt.Errorf("hiding point: %w", err)
	}
	binding, err := group.DecodePoint(g, w.Binding)
	if err != nil {
		return nil, fmt.Errorf("binding point: %w", err)
	}
	return &frost.SigningCommitment{ID: id, HidingPoint: hiding, BindingPoint: binding}, nil
}

func encodeShare(s *frost.SignatureShare) wireShare {
	return wireShare{ID: s.ID.Bytes(), Z: s.Z.Bytes()}
}

func decodeShare(w wireShare) (*frost.SignatureShare, error) {
	g := journal.Suite
	id, err := group.DecodeScalar(g, w.ID)
	if err != nil {
		return nil, fmt.Errorf("share id: %w", err)
	}
	z, err := group.DecodeScalar(g, w.Z)
	if err != nil {
		return nil, fmt.Errorf("share z: %w", err)
	}
	return &frost.SignatureShare{ID: id, Z: z}, nil
}

func encodeDealing(d *frost.ReshareDealing) wireDealing {
	w := wireDealing{
		DealerID:      d.DealerID.Bytes(),
		WeightedShare: d.WeightedShare.Bytes(),
		Blind:         d.Blind.Bytes(),
	}
	for _, c := range d.Commitments {
		w.Commitments = append(w.Commitments, c.Bytes())
	}
	return w
}

func decodeDealing(w wireDealing) (*frost.ReshareDealing, error) {
	g := journal.Suite
	id, err := group.DecodeScalar(g, w.DealerID)
	if err != nil {
		return nil, fmt.Errorf("dealer id: %w", err)
	}
	d := &frost.ReshareDealing{DealerID: id}
	for i, c := range w.Commitments {
		p, err := group.DecodePoint(g, c)
		if err != nil {
			return nil, fmt.Errorf("dealing commitment %d: %w", i, err)
		}
		d.Commitments = append(d.Commitments, p)
	}
	if d.WeightedShare, err = group.DecodePoint(g, w.WeightedShare); err != nil {
		return nil, fmt.Errorf("weighted share: %w", err)
	}
	if d.Blind, err = group.DecodePoint(g, w.Blind); err != nil {
		return nil, fmt.Errorf("blind: %w", err)
	}
	return d, nil
}

func encodeSubShare(s *frost.ReshareSubShare) wireSubShare {
	return wireSubShare{DealerID: s.DealerID.Bytes(), RecipientID: s.RecipientID.Bytes(), Value: s.Value.Bytes()}
}

func decodeSubShare(w wireSubShare) (*frost.ReshareSubShare, error) {
	g := journal.Suite
	dealer, err := group.DecodeScalar(g, w.DealerID)
	if err != nil {
		return nil, fmt.Errorf("sub-share dealer: %w", err)
	}
	recipient, err := group.DecodeScalar(g, w.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("sub-share recipient: %w", err)
	}
	value, err := group.DecodeScalar(g, w.Value)
	if err != nil {
		return nil, fmt.Errorf("sub-share value: %w", err)
	}
	return &frost.ReshareSubShare{DealerID: dealer, RecipientID: recipient, Value: value}, nil
}

func encodeKeyShare(index, threshold, total int, ks *frost.KeyShare) wireKeyShare {
	return wireKeyShare{
		Index:     uint16(index),
		Threshold: uint16(threshold),
		Total:     uint16(total),
		ID:        ks.ID.Bytes(),
		SecretKey: ks.SecretKey.Bytes(),
		PublicKey: ks.PublicKey.Bytes(),
		GroupKey:  ks.GroupKey.Bytes(),
	}
}

func decodeKeyShare(w wireKeyShare) (*frost.KeyShare, error) {
	g := journal.Suite
	id, err := group.DecodeScalar(g, w.ID)
	if err != nil {
		return nil, fmt.Errorf("key share id: %w", err)
	}
	secret, err := group.DecodeScalar(g, w.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("key share secret: %w", err)
	}
	public, err := group.DecodePoint(g, w.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key share public: %w", err)
	}
	groupKey, err := group.DecodePoint(g, w.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("key share group key: %w", err)
	}
	return &frost.KeyShare{ID: id, SecretKey: secret, PublicKey: public, GroupKey: groupKey}, nil
}
