package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CorrelationMatrix is a symmetric pairwise correlation matrix over a rolling return window.
// Instances are built whole and never modified after publication.
type CorrelationMatrix struct {
	Instruments []string    `json:"instruments"`
	Values      [][]float64 `json:"values"`
	Window      int         `json:"window"`
	At          time.Time   `json:"at"`
}

// Index returns the row of an instrument.
func (m *CorrelationMatrix) Index(instrument string) int {
	if m == nil {
		return -1
	}
	for i, name := range m.Instruments {
		if name == instrument {
			return i
		}
	}
	return -1
}

// Get returns the correlation between two instruments.
func (m *CorrelationMatrix) Get(a, b string) (float64, bool) {
	i, j := m.Index(a), m.Index(b)
	if i < 0 || j < 0 {
		return 0, false
	}
	return m.Values[i][j], true
}

// InstrumentPair is an ordered pair key (A < B)
type InstrumentPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair orders the two instruments.
func NewPair(a, b string) InstrumentPair {
	if b < a {
		a, b = b, a
	}
	return InstrumentPair{A: a, B: b}
}

func (p InstrumentPair) String() string { return p.A + "/" + p.B }

// VaRMethod names a VaR estimation method
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
	VaRMonteCarlo VaRMethod = "monte_carlo"
)

// VaRResult is one method's estimate. Value is a positive loss expressed as a fraction of equity.
type VaRResult struct {
	Method     VaRMethod       `json:"method"`
	Confidence float64         `json:"confidence"`
	Horizon    int             `json:"horizon"`
	Value      float64         `json:"value"`
	Amount     decimal.Decimal `json:"amount"`
}

// VaRSet is the reconciled output of one evaluation: every method is kept, none is averaged away.
type VaRSet struct {
	Results      []VaRResult `json:"results"`
	Available    bool        `json:"available"`
	Breach       bool        `json:"breach"`
	Target       float64     `json:"target"`
	Observations int         `json:"observations"`
	Reason       string      `json:"reason,omitempty"`
	At           time.Time   `json:"at"`
}

// Result returns the estimate of one method.
func (s *VaRSet) Result(method VaRMethod) (VaRResult, bool) {
	if s == nil {
		return VaRResult{}, false
	}
	for _, r := range s.Results {
		if r.Method == method {
			return r, true
		}
	}
	return VaRResult{}, false
}

// Breaching returns the methods whose estimate exceeds the target.
func (s *VaRSet) Breaching() []VaRMethod {
	if s == nil || !s.Available {
		return nil
	}
	var out []VaRMethod
	for _, r := range s.Results {
		if r.Value > s.Target {
			out = append(out, r.Method)
		}
	}
	return out
}

// EmergencyLevel is the emergency protocol level
type EmergencyLevel int

const (
	EmergencyNormal EmergencyLevel = iota
	EmergencyLevel1
	EmergencyLevel2
	EmergencyLevel3
	EmergencyLevel4
)

func (l EmergencyLevel) String() string {
	switch l {
	case EmergencyNormal:
		return "NORMAL"
	case EmergencyLevel1:
		return "LEVEL_1"
	case EmergencyLevel2:
		return "LEVEL_2"
	case EmergencyLevel3:
		return "LEVEL_3"
	case EmergencyLevel4:
		return "LEVEL_4"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the level by name.
func (l EmergencyLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name written by MarshalText.
func (l *EmergencyLevel) UnmarshalText(text []byte) error {
	for level := EmergencyNormal; level <= EmergencyLevel4; level++ {
		if level.String() == string(text) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown emergency level %q", text)
}

// EmergencyStatus is the read-only view of the emergency state machine
type EmergencyStatus struct {
	Level             EmergencyLevel `json:"level"`
	Multiplier        float64        `json:"multiplier"`
	AcceptNewSignals  bool           `json:"acceptNewSignals"`
	CloseOnly         bool           `json:"closeOnly"`
	AllowRiskIncrease bool           `json:"allowRiskIncrease"`
	Drawdown          float64        `json:"drawdown"`
	StressRatio       float64        `json:"stressRatio"`
	Since             time.Time      `json:"since"`
}

// EmergencyTransition is one entry of the transition log
type EmergencyTransition struct {
	From        EmergencyLevel `json:"from"`
	To          EmergencyLevel `json:"to"`
	Cause       string         `json:"cause"`
	Drawdown    float64        `json:"drawdown"`
	StressRatio float64        `json:"stressRatio"`
	At          time.Time      `json:"at"`
}

// PortfolioState is the single source of truth for signal gating. Published snapshots are immutable.
type PortfolioState struct {
	Cycle         uint64                   `json:"cycle"`
	At            time.Time                `json:"at"`
	Currency      string                   `json:"currency"`
	Balance       decimal.Decimal          `json:"balance"`
	Equity        decimal.Decimal          `json:"equity"`
	PeakEquity    decimal.Decimal          `json:"peakEquity"`
	Drawdown      float64                  `json:"drawdown"`
	RealizedPnL   decimal.Decimal          `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal          `json:"unrealizedPnl"`
	Positions     []Position               `json:"positions"`
	Emergency     EmergencyStatus          `json:"emergency"`
	VaR           *VaRSet                  `json:"var,omitempty"`
	Correlation   *CorrelationMatrix       `json:"correlation,omitempty"`
	Regimes       map[string]RegimeReading `json:"regimes"`
}

// Account returns the account view used for sizing.
func (s *PortfolioState) Account() AccountState {
	return AccountState{Currency: s.Currency, Balance: s.Balance, Equity: s.Equity}
}
