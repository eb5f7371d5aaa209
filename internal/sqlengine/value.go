package sqlengine

// Kind tags the variant carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindText
	KindBlob
)

// Value is the engine-neutral representation of one SQL value, mirroring
// the five variants the Hrana wire protocol exposes.
type Value struct {
	Kind    Kind
	Integer int64
	Float   float64
	Text    string
	Blob    []byte
}

// NullValue, IntegerValue, FloatValue, TextValue and BlobValue construct a
// Value of the matching kind.
func NullValue() Value               { return Value{Kind: KindNull} }
func IntegerValue(v int64) Value     { return Value{Kind: KindInteger, Integer: v} }
func FloatValue(v float64) Value     { return Value{Kind: KindFloat, Float: v} }
func TextValue(v string) Value       { return Value{Kind: KindText, Text: v} }
func BlobValue(v []byte) Value       { return Value{Kind: KindBlob, Blob: v} }

// Driver converts v into the shape the database/sql driver expects as a
// bind argument.
func (v Value) Driver() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInteger:
		return v.Integer
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// FromDriver converts a value scanned out of database/sql back into a
// Value, used when streaming result rows to a ResultBuilder.
func FromDriver(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case int64:
		return IntegerValue(t)
	case float64:
		return FloatValue(t)
	case string:
		return TextValue(t)
	case []byte:
		return BlobValue(t)
	default:
		return NullValue()
	}
}
