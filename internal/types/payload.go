package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the category-specific value carried by an observation or token.
// Implementations are small immutable value types.
type Payload interface {
	Category() Category
	// Key is a stable textual form used for canonical ordering
	Key() string
	Validate() error
}

// ColorValue is a color observation. Referential colors are named values
// (e.g. "brand-primary") that the graph builder may turn into aliases.
type ColorValue struct {
	Hex         string `json:"hex" yaml:"hex"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Referential bool   `json:"referential,omitempty" yaml:"referential,omitempty"`
	AliasOf     string `json:"alias_of,omitempty" yaml:"alias_of,omitempty"`
}

func (ColorValue) Category() Category { return CategoryColor }

func (v ColorValue) Key() string {
	if v.Referential {
		return "ref:" + v.Name + ":" + NormalizeHex(v.Hex)
	}
	return NormalizeHex(v.Hex)
}

func (v ColorValue) Validate() error {
	if _, err := ParseHex(v.Hex); err != nil {
		return err
	}
	if v.Referential && v.Name == "" {
		return NewValidationError("name", v.Name, "required", "referential color requires a name")
	}
	return nil
}

// SpacingValue is a spacing observation in CSS pixels
type SpacingValue struct {
	Pixels float64 `json:"px" yaml:"px"`
}

func (SpacingValue) Category() Category { return CategorySpacing }
func (v SpacingValue) Key() string     { return formatFloat(v.Pixels) }

func (v SpacingValue) Validate() error {
	if v.Pixels <= 0 {
		return NewValidationError("px", v.Pixels, "gt=0", "spacing must be positive")
	}
	return nil
}

// ShadowValue is a box-shadow observation
type ShadowValue struct {
	OffsetX  float64 `json:"offset_x" yaml:"offset_x"`
	OffsetY  float64 `json:"offset_y" yaml:"offset_y"`
	Blur     float64 `json:"blur" yaml:"blur"`
	Spread   float64 `json:"spread" yaml:"spread"`
	Color    string  `json:"color,omitempty" yaml:"color,omitempty"`
	ColorRef string  `json:"color_ref,omitempty" yaml:"color_ref,omitempty"`
	Inset    bool    `json:"inset,omitempty" yaml:"inset,omitempty"`
}

func (ShadowValue) Category() Category { return CategoryShadow }

func (v ShadowValue) Key() string {
	return strings.Join([]string{
		formatFloat(v.OffsetX), formatFloat(v.OffsetY), formatFloat(v.Blur), formatFloat(v.Spread),
		NormalizeHex(v.Color), v.ColorRef, strconv.FormatBool(v.Inset),
	}, "|")
}

func (v ShadowValue) Validate() error {
	if v.Blur < 0 {
		return NewValidationError("blur", v.Blur, "gte=0", "blur must not be negative")
	}
	if v.Color != "" {
		if _, err := ParseHex(v.Color); err != nil {
			return err
		}
	}
	return nil
}

// TypographyValue is a text style observation
type TypographyValue struct {
	FontFamily string  `json:"font_family" yaml:"font_family"`
	FontSize   float64 `json:"font_size" yaml:"font_size"`
	FontWeight int     `json:"font_weight,omitempty" yaml:"font_weight,omitempty"`
	LineHeight float64 `json:"line_height,omitempty" yaml:"line_height,omitempty"`
	Color      string  `json:"color,omitempty" yaml:"color,omitempty"`
	ColorRef   string  `json:"color_ref,omitempty" yaml:"color_ref,omitempty"`
}

func (TypographyValue) Category() Category { return CategoryTypography }

func (v TypographyValue) Key() string {
	return strings.Join([]string{
		NormalizeFamily(v.FontFamily), formatFloat(v.FontSize), strconv.Itoa(v.FontWeight),
		formatFloat(v.LineHeight), NormalizeHex(v.Color), v.ColorRef,
	}, "|")
}

func (v TypographyValue) Validate() error {
	if strings.TrimSpace(v.FontFamily) == "" {
		return NewValidationError("font_family", v.FontFamily, "required", "font family is required")
	}
	if v.FontSize <= 0 {
		return NewValidationError("font_size", v.FontSize, "gt=0", "font size must be positive")
	}
	if v.Color != "" {
		if _, err := ParseHex(v.Color); err != nil {
			return err
		}
	}
	return nil
}

// FontFamilyValue is a font family observation
type FontFamilyValue struct {
	Family string `json:"family" yaml:"family"`
}

func (FontFamilyValue) Category() Category { return CategoryFontFamily }
func (v FontFamilyValue) Key() string     { return NormalizeFamily(v.Family) }

func (v FontFamilyValue) Validate() error {
	if NormalizeFamily(v.Family) == "" {
		return NewValidationError("family", v.Family, "required", "font family is required")
	}
	return nil
}

// FontSizeValue is a font size observation in CSS pixels
type FontSizeValue struct {
	Pixels float64 `json:"px" yaml:"px"`
}

func (FontSizeValue) Category() Category { return CategoryFontSize }
func (v FontSizeValue) Key() string     { return formatFloat(v.Pixels) }

func (v FontSizeValue) Validate() error {
	if v.Pixels <= 0 {
		return NewValidationError("px", v.Pixels, "gt=0", "font size must be positive")
	}
	return nil
}

// RGB is an 8-bit color triple
type RGB struct {
	R, G, B uint8
}

// ParseHex parses "#RRGGBB", "RRGGBB" or "#RGB"
func ParseHex(s string) (RGB, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return RGB{}, NewValidationError("hex", s, "hexcolor", fmt.Sprintf("invalid hex color %q", s))
	}
	n, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return RGB{}, NewValidationError("hex", s, "hexcolor", fmt.Sprintf("invalid hex color %q", s))
	}
	return RGB{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n)}, nil
}

// Hex formats the triple as "#RRGGBB"
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// NormalizeHex returns the upper-case "#RRGGBB" form, or s unchanged when it does not parse
func NormalizeHex(s string) string {
	if s == "" {
		return ""
	}
	c, err := ParseHex(s)
	if err != nil {
		return s
	}
	return c.Hex()
}

// NormalizeFamily lower-cases a font family and strips quotes and fallbacks
func NormalizeFamily(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// DecodePayload decodes the JSON form of a payload of category c
func DecodePayload(c Category, raw json.RawMessage) (Payload, error) {
	switch c {
	case CategoryColor:
		return decodeAs[ColorValue](c, raw)
	case CategorySpacing:
		return decodeAs[SpacingValue](c, raw)
	case CategoryShadow:
		return decodeAs[ShadowValue](c, raw)
	case CategoryTypography:
		return decodeAs[TypographyValue](c, raw)
	case CategoryFontFamily:
		return decodeAs[FontFamilyValue](c, raw)
	case CategoryFontSize:
		return decodeAs[FontSizeValue](c, raw)
	}
	return nil, NewValidationError("category", c, "oneof", fmt.Sprintf("unknown category %q", c))
}

func decodeAs[T Payload](c Category, raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, WrapError(err, "decode %s payload", c)
	}
	return v, nil
}
