package gateway

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

func encodeOpen(req payment.OpenRequest) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(payment.ToMinorUnits(req.Amount))
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.FieldStart("metadata")
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(req.OrderID)
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func encodeRefund(transactionID string, amount decimal.NullDecimal) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("transaction")
	e.Str(transactionID)
	if amount.Valid {
		e.FieldStart("amount")
		e.Int64(payment.ToMinorUnits(amount.Decimal))
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeTransaction(data []byte) (*payment.Transaction, error) {
	txn := &payment.Transaction{}
	if err := readTransaction(jx.DecodeBytes(data), txn); err != nil {
		return nil, errors.Wrap(err, "decode transaction")
	}
	if txn.ID == "" {
		return nil, errors.New("transaction without id")
	}
	return txn, nil
}

func readTransaction(d *jx.Decoder, txn *payment.Transaction) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &txn.ID)
		case "client_secret":
			return readStr(d, &txn.ClientSecret)
		case "status":
			var s string
			if err := readStr(d, &s); err != nil {
				return err
			}
			txn.Status = payment.TransactionStatus(s)
			return nil
		case "amount":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			txn.AmountMinor = v
			return nil
		case "currency":
			return readStr(d, &txn.Currency)
		case "failure_reason":
			return readStr(d, &txn.FailureReason)
		case "metadata":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) == "order_id" {
					return readStr(d, &txn.OrderID)
				}
				return d.Skip()
			})
		default:
			return d.Skip()
		}
	})
}

func decodeRefund(data []byte) (*payment.Refund, error) {
	r := &payment.Refund{}
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &r.ID)
		case "transaction":
			return readStr(d, &r.TransactionID)
		case "status":
			return readStr(d, &r.Status)
		case "amount":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			r.AmountMinor = v
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode refund")
	}
	return r, nil
}

// decodeEvent reads a webhook body of the form
// {"id":..,"type":..,"data":{"object":<transaction>}}.
func decodeEvent(data []byte) (*payment.Event, error) {
	var (
		ev  payment.Event
		txn payment.Transaction
	)
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			return readStr(d, &ev.ID)
		case "type":
			return readStr(d, &ev.Type)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) == "object" {
					return readTransaction(d, &txn)
				}
				return d.Skip()
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, errors.New("event without id or type")
	}
	ev.TransactionID = txn.ID
	ev.Status = txn.Status
	ev.OrderID = txn.OrderID
	return &ev, nil
}

// decodeError extracts {"error":{"code":..,"message":..}} from an error body.
func decodeError(data []byte) (code, message string, ok bool) {
	if len(data) == 0 {
		return "", "", false
	}
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			switch string(key) {
			case "code":
				return readStr(d, &code)
			case "message":
				return readStr(d, &message)
			default:
				return d.Skip()
			}
		})
	})
	if err != nil {
		return "", "", false
	}
	return code, message, code != "" || message != ""
}

// readStr reads a string that may be null.
func readStr(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return err
	}
	*dst = s
	return nil
}
