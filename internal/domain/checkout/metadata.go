package checkout

import (
	"strconv"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Metadata keys attached to every checkout session. Gateways cap metadata
// values at 500 characters and 50 keys, so the cart snapshot is split across
// cart, cart_1, cart_2, ... with the part count under cart_parts.
const (
	metaVersion    = "v"
	metaUserID     = "user_id"
	metaCouponCode = "coupon_code"
	metaCart       = "cart"
	metaCartParts  = "cart_parts"

	metadataVersion  = "1"
	maxMetadataValue = 500
	maxCartParts     = 45
)

// ErrSnapshotTooLarge is returned when a cart snapshot does not fit into
// session metadata.
var ErrSnapshotTooLarge = errors.New("cart snapshot exceeds session metadata capacity")

// SnapshotItem is the server-side record of a cart entry, carried through
// the gateway so the order can be rebuilt without trusting client input.
type SnapshotItem struct {
	ProductID string
	Quantity  int
	// Price is the original unit price in the source currency.
	Price decimal.Decimal
}

// Metadata is the typed form of the session metadata bag.
type Metadata struct {
	UserID     string
	CouponCode string
	Items      []SnapshotItem
}

// EncodeMetadata serializes m into gateway metadata.
func EncodeMetadata(m Metadata) (map[string]string, error) {
	if m.UserID == "" {
		return nil, errors.New("metadata user id is required")
	}
	if len(m.Items) == 0 {
		return nil, errors.New("metadata cart snapshot is empty")
	}

	var e jx.Encoder
	e.ArrStart()
	for _, it := range m.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("price")
		e.Num(jx.Num(it.Price.String()))
		e.ObjEnd()
	}
	e.ArrEnd()

	parts := splitValue(e.String(), maxMetadataValue)
	if len(parts) > maxCartParts {
		return nil, ErrSnapshotTooLarge
	}

	out := map[string]string{
		metaVersion:    metadataVersion,
		metaUserID:     m.UserID,
		metaCouponCode: m.CouponCode,
		metaCartParts:  strconv.Itoa(len(parts)),
	}
	for i, p := range parts {
		out[cartKey(i)] = p
	}
	return out, nil
}

// DecodeMetadata parses and validates gateway metadata produced by
// EncodeMetadata. Any defect yields a *MalformedMetadataError.
func DecodeMetadata(sessionID string, md map[string]string) (*Metadata, error) {
	malformed := func(field string, err error) error {
		return &MalformedMetadataError{SessionID: sessionID, Field: field, Err: err}
	}

	if v := md[metaVersion]; v != metadataVersion {
		return nil, malformed(metaVersion, errors.Errorf("unsupported version %q", v))
	}
	m := &Metadata{
		UserID:     md[metaUserID],
		CouponCode: md[metaCouponCode],
	}
	if m.UserID == "" {
		return nil, malformed(metaUserID, errors.New("missing"))
	}

	n, err := strconv.Atoi(md[metaCartParts])
	if err != nil || n < 1 || n > maxCartParts {
		return nil, malformed(metaCartParts, errors.Errorf("invalid part count %q", md[metaCartParts]))
	}
	var raw []byte
	for i := range n {
		p, ok := md[cartKey(i)]
		if !ok {
			return nil, malformed(cartKey(i), errors.New("missing"))
		}
		raw = append(raw, p...)
	}

	items, err := decodeSnapshot(raw)
	if err != nil {
		return nil, malformed(metaCart, err)
	}
	m.Items = items
	return m, nil
}

func decodeSnapshot(raw []byte) ([]SnapshotItem, error) {
	d := jx.DecodeBytes(raw)
	if d.Next() != jx.Array {
		return nil, errors.New("snapshot is not an array")
	}

	var items []SnapshotItem
	if err := d.Arr(func(d *jx.Decoder) error {
		item, err := decodeSnapshotItem(d)
		if err != nil {
			return errors.Wrapf(err, "item %d", len(items))
		}
		items = append(items, item)
		return nil
	}); err != nil {
		return nil, err
	}
	if d.Next() != jx.Invalid {
		return nil, errors.New("trailing data after snapshot")
	}
	if len(items) == 0 {
		return nil, errors.New("snapshot is empty")
	}
	return items, nil
}

func decodeSnapshotItem(d *jx.Decoder) (SnapshotItem, error) {
	var (
		item                  SnapshotItem
		hasID, hasQty, hasPri bool
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "id")
			}
			item.ProductID, hasID = v, true
		case "quantity":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "quantity")
			}
			item.Quantity, hasQty = v, true
		case "price":
			v, err := d.Num()
			if err != nil {
				return errors.Wrap(err, "price")
			}
			p, err := decimal.NewFromString(v.String())
			if err != nil {
				return errors.Wrap(err, "price")
			}
			item.Price, hasPri = p, true
		default:
			return errors.Errorf("unexpected field %q", key)
		}
		return nil
	}); err != nil {
		return item, err
	}

	switch {
	case !hasID || item.ProductID == "":
		return item, errors.New("id is required")
	case !hasQty || item.Quantity < 1:
		return item, errors.New("quantity must be at least 1")
	case !hasPri || item.Price.IsNegative():
		return item, errors.New("price must be present and not negative")
	}
	return item, nil
}

func cartKey(i int) string {
	if i == 0 {
		return metaCart
	}
	return metaCart + "_" + strconv.Itoa(i)
}

// splitValue cuts s into chunks of at most size bytes without splitting a
// UTF-8 sequence.
func splitValue(s string, size int) []string {
	var parts []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	return append(parts, s)
}
