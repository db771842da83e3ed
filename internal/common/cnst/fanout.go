package cnst

// FanoutMode decides which downstream sessions receive an upstream notification
type FanoutMode string

const (
	// FanoutOwner delivers notifications only to the session that owns the upstream link
	FanoutOwner FanoutMode = "owner"
	// FanoutAll delivers notifications to every registered session
	FanoutAll FanoutMode = "all"
)

func (m FanoutMode) String() string {
	return string(m)
}

// Valid reports whether m is a known mode; the empty mode means FanoutOwner
func (m FanoutMode) Valid() bool {
	switch m {
	case "", FanoutOwner, FanoutAll:
		return true
	}
	return false
}
