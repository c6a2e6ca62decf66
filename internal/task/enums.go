package task

import (
	"fmt"
	"strings"
)

// Tier is the priority class of a task. Higher values dequeue first.
type Tier int

const (
	// TierUnset is normalized to TierNormal at submit time.
	TierUnset Tier = iota
	TierLow
	TierNormal
	TierHigh
	TierCritical
)

// Tiers lists the valid tiers from highest to lowest priority.
var Tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

func (t Tier) Valid() bool { return t >= TierLow && t <= TierCritical }

func (t Tier) String() string {
	switch t {
	case TierUnset:
		return "unset"
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier accepts the lowercase names produced by String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unset":
		return TierUnset, nil
	case "low":
		return TierLow, nil
	case "normal":
		return TierNormal, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	default:
		return TierUnset, fmt.Errorf("unknown priority %q (use critical, high, normal or low)", s)
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Kind selects the executor that runs a task. Executors are registered per
// Kind and resolved once when the task is submitted.
type Kind int

const (
	// KindCustom is the slot for an executor supplied by the embedding program.
	KindCustom Kind = iota
	KindEcho
	KindCommand
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindCustom:
		return "custom"
	case KindEcho:
		return "echo"
	case KindCommand:
		return "command"
	case KindHTTP:
		return "http"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "custom":
		return KindCustom, nil
	case "echo":
		return KindEcho, nil
	case "command", "cmd", "shell":
		return KindCommand, nil
	case "http", "fetch":
		return KindHTTP, nil
	default:
		return KindCustom, fmt.Errorf("unknown executor kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
