package custody

import (
	"fmt"
	"strings"
)

// Strategy orders the compliance check relative to the inbound deposit leg.
type Strategy uint8

const (
	// PreCheckThenMove gates first; the fee is pulled from the caller's wallet and only the
	// net amount is brought into custody.
	PreCheckThenMove Strategy = iota
	// MoveThenCheck pulls the gross amount into custody first, pays the fee from it and
	// refunds the remainder when the check fails.
	MoveThenCheck
)

func (s Strategy) String() string {
	switch s {
	case PreCheckThenMove:
		return "precheck_then_move"
	case MoveThenCheck:
		return "move_then_check"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy accepts the String form, case-insensitively, with '-' or '_'.
func ParseStrategy(v string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_")
	switch normalized {
	case "", "precheck_then_move", "pre_check_then_move":
		return PreCheckThenMove, nil
	case "move_then_check":
		return MoveThenCheck, nil
	default:
		return PreCheckThenMove, fmt.Errorf("unknown custody strategy %q", v)
	}
}
