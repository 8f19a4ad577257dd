package model

// Config store keys. Writes always go to the underscore form; the
// dotted forms are read-only fallbacks left over from an earlier
// generation of the watchdog.
const (
	KeyActiveURL        = "sandbox_active_url"
	KeyLastKnownGoodURL = "sandbox_last_known_good_url"
	KeyPreviousURL      = "sandbox_previous_url"
	KeyState            = "sandbox_state"

	LegacyKeyActiveURL        = "sandbox.activeUrl"
	LegacyKeyLastKnownGoodURL = "sandbox.lastKnownGoodUrl"
	LegacyKeyState            = "sandbox.state"
)
