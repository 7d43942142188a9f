// Package persona describes the fictional user a live interview role-plays.
//
// A [Descriptor] is the complete, immutable description of one persona. It can
// be loaded from a YAML file or the JSON export of the web app ([LoadFile],
// [Decode]), stored in PostgreSQL ([PostgresStore]), and rendered into the
// system instruction sent to the speech model ([Descriptor.SystemInstruction]).
package persona

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Descriptor is the full description of a persona. It is treated as read-only
// for the lifetime of an interview.
type Descriptor struct {
	// ID is the storage identifier. Empty for personas loaded from files.
	ID string `yaml:"id" json:"id,omitempty"`

	// Name is the persona's display name (e.g., "Maya Chen").
	Name string `yaml:"name" json:"name"`

	// Age is the persona's age in years.
	Age int `yaml:"age" json:"age"`

	Occupation string `yaml:"occupation" json:"occupation"`
	Location   string `yaml:"location" json:"location"`

	// Quote is a short statement in the persona's own voice.
	Quote string `yaml:"quote" json:"quote"`

	// Bio is a free-text biography.
	Bio string `yaml:"bio" json:"bio"`

	Motivations  []string `yaml:"motivations" json:"motivations"`
	Frustrations []string `yaml:"frustrations" json:"frustrations"`
	Brands       []string `yaml:"brands" json:"brands"`

	// ChatInstructions are behavioural instructions for the speech model,
	// such as "answers in short sentences, sceptical of subscriptions".
	ChatInstructions string `yaml:"chatInstructions" json:"chatInstructions,omitempty"`

	// AvatarURL points at the persona's rendered avatar.
	AvatarURL string `yaml:"avatarUrl" json:"avatarUrl"`

	// CreatedAt is the time the persona was first persisted.
	CreatedAt time.Time `yaml:"-" json:"createdAt,omitzero"`

	// UpdatedAt is the time the persona was last modified.
	UpdatedAt time.Time `yaml:"-" json:"updatedAt,omitzero"`
}

// Validate checks the descriptor for logical consistency. It returns a joined
// error describing every violation found, or nil if the descriptor is valid.
func (d *Descriptor) Validate() error {
	var errs []error

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("persona: name must not be empty"))
	}
	if d.Age < 0 {
		errs = append(errs, fmt.Errorf("persona: age must be >= 0, got %d", d.Age))
	}

	return errors.Join(errs...)
}

// SystemInstruction renders the role-play instruction for the speech model.
// Empty sections are left out.
func (d *Descriptor) SystemInstruction() string {
	var b strings.Builder

	b.WriteString("You are ")
	b.WriteString(d.Name)
	if d.Age > 0 || d.Occupation != "" {
		b.WriteString(", a ")
		if d.Age > 0 {
			fmt.Fprintf(&b, "%d-year-old ", d.Age)
		}
		if d.Occupation != "" {
			b.WriteString(d.Occupation)
		} else {
			b.WriteString("person")
		}
	}
	if d.Location != "" {
		b.WriteString(" living in ")
		b.WriteString(d.Location)
	}
	b.WriteString(".\nRoleplay this persona accurately in a user research interview.\n")

	if d.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s.\n", strings.TrimRight(d.Bio, ". "))
	}
	if len(d.Motivations) > 0 {
		fmt.Fprintf(&b, "Motivations: %s.\n", strings.Join(d.Motivations, ", "))
	}
	if len(d.Frustrations) > 0 {
		fmt.Fprintf(&b, "Frustrations: %s.\n", strings.Join(d.Frustrations, ", "))
	}
	if len(d.Brands) > 0 {
		fmt.Fprintf(&b, "Brands you use: %s.\n", strings.Join(d.Brands, ", "))
	}
	if ci := strings.TrimSpace(d.ChatInstructions); ci != "" {
		b.WriteString(ci)
		b.WriteString("\n")
	}

	b.WriteString("Speak casually and naturally, stay in character. Do not sound like an AI assistant.")
	return b.String()
}
