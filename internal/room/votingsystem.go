package room

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultVotingSystem is used when a joining client does not name one.
const DefaultVotingSystem = "fibonacci"

// builtinDecks maps voting system names to their card decks. Decks are
// display/validation metadata broadcast to members; votes themselves are
// stored as opaque strings so a stale deck never corrupts a vote map.
var builtinDecks = map[string][]string{
	"fibonacci": {"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89", "?", "☕"},
	"tshirt":    {"XS", "S", "M", "L", "XL", "XXL", "?"},
	"powers":    {"0", "1", "2", "4", "8", "16", "32", "64", "?"},
}

// Deck returns the card deck for a voting system, falling back to the
// default system for unknown names.
func Deck(system string) []string {
	if deck, ok := builtinDecks[system]; ok {
		return deck
	}
	return builtinDecks[DefaultVotingSystem]
}

// KnownVotingSystem reports whether the name maps to a configured deck.
func KnownVotingSystem(system string) bool {
	_, ok := builtinDecks[system]
	return ok
}

type deckFile struct {
	Decks map[string][]string `yaml:"decks"`
}

// LoadDecks merges deck definitions from a YAML file into the built-in
// set. Existing names are overridden, new names are added.
func LoadDecks(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read deck file: %w", err)
	}

	var file deckFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse deck file: %w", err)
	}

	for name, cards := range file.Decks {
		if len(cards) == 0 {
			continue
		}
		builtinDecks[name] = cards
	}
	return nil
}
