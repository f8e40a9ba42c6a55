package commands

// Globals carries flags shared by every subcommand.
type Globals struct {
	Debug   bool
	Version string
}
