package specfile

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Integer fields decode into *big.Int and need JSON numbers. Keys are paths built while walking
// the document: map keys are joined with "." and list elements add ".[]".
var bigIntKeys = []*regexp.Regexp{
	// .escrow.giveAmount
	regexp.MustCompile(`^\.escrow\.(?:giveAmount|wantAmount)$`),
	// .requirements.[].min
	regexp.MustCompile(`^\.requirements\.\[\]\.min$`),
	// .steps.[].condition.value
	regexp.MustCompile(`^\.steps\.\[\]\.condition\.value$`),
	// .safeguards.slippage.expected
	regexp.MustCompile(`^\.safeguards\.slippage\.expected$`),
}

// Wei fields are strings holding a decimal or 0x-prefixed amount.
var weiKeys = []*regexp.Regexp{
	regexp.MustCompile(`^\.steps\.\[\]\.value$`),
	regexp.MustCompile(`^\.nodes\.\[\]\.(?:postDeploy|compensations)\.\[\]\.value$`),
	regexp.MustCompile(`^\.params\.gasPolicy\.fixedWei$`),
}

func matchAny(patterns []*regexp.Regexp, key string) bool {
	for _, p := range patterns {
		if p.MatchString(key) {
			return true
		}
	}

	return false
}

// keepWideInts retags plain YAML integers that overflow 64 bits as strings. Left alone they
// resolve to float64 and lose precision.
func keepWideInts(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Style == 0 {
		switch n.ShortTag() {
		case "!!int", "!!float":
			if _, ok := stringToBigIntIfOverflowInt64(n.Value); ok {
				n.Tag = "!!str"
			}
		}
	}
	for _, c := range n.Content {
		keepWideInts(c)
	}
}

// coerceNumbers walks a decoded document (maps, slices and scalars) and normalizes the values
// of integer and wei fields. It mutates map[string]any and []any in place.
func coerceNumbers(v any, currentKey string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			out, err := coerceNumbers(vv, currentKey+"."+k)
			if err != nil {
				return nil, err
			}
			x[k] = out
		}

		return x, nil

	case []any:
		for i := range x {
			out, err := coerceNumbers(x[i], currentKey+".[]")
			if err != nil {
				return nil, err
			}
			x[i] = out
		}

		return x, nil

	case map[any]any:
		return nil, fmt.Errorf("%s: map keys must be strings", currentKey)

	case nil:
		return nil, nil
	}

	switch {
	case matchAny(bigIntKeys, currentKey):
		n, err := toBigInt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", currentKey, err)
		}

		return n, nil
	case matchAny(weiKeys, currentKey):
		n, err := toBigInt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", currentKey, err)
		}

		return n.String(), nil
	case isString(v):
		if bi, ok := stringToBigIntIfOverflowInt64(v.(string)); ok {
			return bi, nil // *big.Int (pointer), not big.Int (value)
		}
	}

	return v, nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) >= 1<<63 {
			return nil, fmt.Errorf("%v is not an exact integer", n)
		}

		return big.NewInt(int64(n)), nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), "_", "")
		out, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

// stringToBigIntIfOverflowInt64 parses s only when it is a decimal integer too wide for both
// int64 and uint64.
func stringToBigIntIfOverflowInt64(s string) (*big.Int, bool) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return nil, false
	} else {
		var ne *strconv.NumError
		if errors.As(err, &ne) && !errors.Is(ne.Err, strconv.ErrRange) {
			return nil, false
		}
	}

	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return nil, false
	} else {
		var ne *strconv.NumError
		if errors.As(err, &ne) && !errors.Is(ne.Err, strconv.ErrRange) {
			return nil, false
		}
	}

	z, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}

	return z, true
}
