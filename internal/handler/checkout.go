package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// CreateCheckout handles POST /checkout.
//
// The body is {"products":[{"id","name","image","price","quantity"}],
// "couponCode":"..."}; "items" and "_id" are accepted as aliases. A missing
// quantity defaults to 1.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeCheckoutRequest(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = UserFromContext(r.Context())

	res, err := h.checkout.CreateCheckout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("sessionId")
	e.Str(res.SessionID)
	e.FieldStart("url")
	e.Str(res.URL)
	e.FieldStart("displayedTotal")
	e.Num(jx.Num(res.DisplayedTotal.StringFixed(2)))
	e.FieldStart("currency")
	e.Str(res.Currency)
	e.FieldStart("discountApplied")
	e.Bool(res.DiscountApplied)
	e.FieldStart("rewardIssued")
	e.Bool(res.RewardIssued)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// ConfirmCheckout handles POST /checkout/confirm, the redirect-driven
// counterpart of the gateway webhook.
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := decodeSessionID(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Sessions of other users are rejected before anything is reconciled.
	res, err := h.reconciler.ReconcileFor(r.Context(), sessionID, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(res.Order.ID)
	e.FieldStart("alreadyReconciled")
	e.Bool(!res.Created)
	e.FieldStart("total")
	e.Num(jx.Num(res.Order.Total.StringFixed(2)))
	e.FieldStart("currency")
	e.Str(res.Order.Currency)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// CheckoutStatus handles GET /checkout/{sessionID}.
func (h *Handler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	state, o, err := h.reconciler.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if o != nil && o.UserID != UserFromContext(r.Context()) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "checkout session not found")
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("sessionId")
	e.Str(sessionID)
	e.FieldStart("state")
	e.Str(string(state))
	e.FieldStart("terminal")
	e.Bool(state.Terminal())
	if o != nil {
		e.FieldStart("orderId")
		e.Str(o.ID)
	}
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func decodeCheckoutRequest(data []byte) (checkout.CreateCheckoutRequest, error) {
	var req checkout.CreateCheckoutRequest
	seenItems := false

	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "products", "items":
			seenItems = true
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeCartItem(d, len(req.Items))
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		case "couponCode":
			s, err := optString(d)
			if err != nil {
				return errors.Wrap(err, "couponCode")
			}
			req.CouponCode = strings.TrimSpace(s)
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return req, asBadRequest(err)
	}
	if !seenItems {
		return req, badRequest("products are required")
	}
	return req, nil
}

func decodeCartItem(d *jx.Decoder, idx int) (pricing.CartItem, error) {
	item := pricing.CartItem{Quantity: 1}
	hasPrice := false

	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id", "_id":
			item.ID, err = d.Str()
		case "name":
			item.Name, err = optString(d)
		case "image":
			item.Image, err = optString(d)
		case "price":
			hasPrice = true
			item.Price, err = decodeDecimal(d)
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	}); err != nil {
		return item, badRequest("products[%d]: %v", idx, err)
	}
	if !hasPrice {
		return item, badRequest("products[%d]: price is required", idx)
	}
	return item, nil
}

// decodeDecimal reads a JSON number or numeric string without going through
// float64.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.New("expected number")
	}
}

func optString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeSessionID(data []byte) (string, error) {
	var id string
	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "sessionId" {
			return d.Skip()
		}
		s, err := d.Str()
		id = strings.TrimSpace(s)
		return err
	}); err != nil {
		return "", asBadRequest(err)
	}
	if id == "" {
		return "", badRequest("sessionId is required")
	}
	return id, nil
}

func asBadRequest(err error) error {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return badRequest("invalid request body: %v", err)
}
