package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "receiver.socket_dir")
// to their [FieldDoc] entries.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	// ── Log ──────────────────────────────────────────────────────
	"log.level": {
		Comment: "Minimum log level: trace, debug, info, warn, error",
		Alternatives: []string{
			`level = "debug"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Rotate inputbridged.log once it reaches this size",
	},

	// ── Marker ───────────────────────────────────────────────────
	"marker": {
		Comment: "The installer rewrites this file on upgrade. When its content differs\nfrom the running build the daemon reconfigures.",
	},
	"marker.file": {},
	"marker.poll_interval_seconds": {
		Comment: "Only used when filesystem notifications are unavailable",
	},

	// ── Session ──────────────────────────────────────────────────
	"session": {
		Comment: "Console user detection. The daemon rebinds the receiver whenever the\nuser logged into the graphical console changes.",
	},
	"session.utmp_file": {},
	"session.poll_interval_seconds": {},
	"session.console_terminals": {
		Comment: "Glob patterns for terminals that belong to the graphical console",
		Alternatives: []string{
			`console_terminals = [":0", "seat0"]`,
		},
	},
	"session.ignore_users": {
		Comment: "Glob patterns for greeter or system accounts that never own the console",
	},

	// ── Capture ──────────────────────────────────────────────────
	"capture.device_dir": {
		Comment: "Input capture is available while at least one matching device node exists",
	},
	"capture.device_patterns": {
		Alternatives: []string{
			`device_patterns = ["event*", "mouse*"]`,
		},
	},
	"capture.poll_interval_seconds": {},

	// ── Receiver ─────────────────────────────────────────────────
	"receiver.socket_dir": {
		Comment: "Directory for the per-user socket. Ignored on Windows, which uses a named pipe.",
	},
	"receiver.socket_name": {},
	"receiver.max_connections": {
		Comment: "Connections beyond this limit are closed immediately",
	},
	"receiver.accept_rate_per_second": {
		Comment: "Token bucket applied to incoming connections",
	},
	"receiver.accept_burst": {},

	// ── Status ───────────────────────────────────────────────────
	"status.file": {
		Comment: "Status document path. Defaults to status.json in the data directory.",
		Alternatives: []string{
			`file = "/run/inputbridge/status.json"`,
		},
	},

	// ── Metrics ──────────────────────────────────────────────────
	"metrics.listen": {
		Comment: "Serve Prometheus metrics on this address. Disabled when empty.",
		Alternatives: []string{
			`listen = "127.0.0.1:9464"`,
		},
	},

	// ── Update ───────────────────────────────────────────────────
	"update.manifest_url": {
		Comment: "JSON manifest of the latest release. Disabled when empty.",
		Alternatives: []string{
			`manifest_url = "https://example.com/inputbridge/latest.json"`,
		},
	},
	"update.timeout_seconds": {},
}
