package kwp

// ConnectMode selects how a session is established with the radio.
type ConnectMode uint8

const (
	// ModeNormal is the diagnostic session any tester gets.
	ModeNormal ConnectMode = iota
	// ModeManufacturer addresses the radio's manufacturer (factory) mode.
	ModeManufacturer
)

func (m ConnectMode) String() string {
	if m == ModeManufacturer {
		return "manufacturer"
	}
	return "normal"
}

// Variant selects the family-specific login and safe-code read routines.
type Variant uint8

const (
	VariantPremium4 Variant = iota
	VariantPremium5
	VariantSeatLiceo
)

func (v Variant) String() string {
	switch v {
	case VariantPremium4:
		return "premium4"
	case VariantPremium5:
		return "premium5"
	case VariantSeatLiceo:
		return "seat-liceo"
	}
	return "unknown"
}

// Identity is what the radio reports about itself while a normal session is
// being established.
type Identity struct {
	Component  string `json:"component"`  // e.g. " RADIO DE2       0001"
	PartNumber string `json:"partNumber"` // VAG part number, e.g. "1J0035180B"
}

// Session is the KWP1281 block-protocol session. It runs on a line that has
// already been synchronized. Every method returns nil on success or a
// ResultCode describing the failure.
type Session interface {
	// Connect addresses the radio and reads its identification blocks.
	Connect(mode ConnectMode) error
	// Disconnect ends the session.
	Disconnect() error
	// LoginManufacturer runs the family-specific factory login.
	LoginManufacturer(v Variant) error
	// ReadSafeCodeBCD reads the anti-theft code, one decimal digit per nibble.
	ReadSafeCodeBCD(v Variant) (uint16, error)
	// Identity returns the identification read by the last Connect.
	Identity() Identity
}

// Technisat is the Technisat wire protocol spoken by Rhapsody and Gamma 5
// radios over the same physical line.
type Technisat interface {
	Connect(mode ConnectMode, baud uint32) error
	DisableEEPROMFilter() error
	ReadSafeCodeBCD() (uint16, error)
	Disconnect() error
}
