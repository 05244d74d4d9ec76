package repository

import (
	"encoding"
	"fmt"
	"slices"
	"strings"
)

// Category is a closed set of labels for one repository. Values can only be
// obtained from the package-level variables or the Parse functions, so the zero
// value is the only invalid one.
type Category interface {
	comparable
	fmt.Stringer
	encoding.TextMarshaler
	Valid() bool
}

func parseCategory[C Category](s string, all []C, kind string) (C, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for _, c := range all {
		if c.String() == want {
			return c, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("unknown %s %q", kind, s)
}

func marshalCategory(name, kind string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("empty %s", kind)
	}
	return []byte(name), nil
}

// ItemCategory classifies generic vault items
type ItemCategory struct{ name string }

var (
	ItemPersonal  = ItemCategory{"PERSONAL"}
	ItemFinancial = ItemCategory{"FINANCIAL"}
	ItemMedical   = ItemCategory{"MEDICAL"}
	ItemLegal     = ItemCategory{"LEGAL"}
	ItemIdentity  = ItemCategory{"IDENTITY"}
	ItemNotes     = ItemCategory{"NOTES"}
	ItemEmail     = ItemCategory{"EMAIL"}
	ItemOther     = ItemCategory{"OTHER"}

	itemCategories = []ItemCategory{ItemPersonal, ItemFinancial, ItemMedical, ItemLegal, ItemIdentity, ItemNotes, ItemEmail, ItemOther}
)

func ItemCategories() []ItemCategory { return slices.Clone(itemCategories) }

func ParseItemCategory(s string) (ItemCategory, error) {
	return parseCategory(s, itemCategories, "item category")
}

func (c ItemCategory) String() string { return c.name }
func (c ItemCategory) Valid() bool    { return c.name != "" }

func (c ItemCategory) MarshalText() ([]byte, error) { return marshalCategory(c.name, "item category") }

func (c *ItemCategory) UnmarshalText(text []byte) error {
	v, err := ParseItemCategory(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// PasswordCategory classifies password entries
type PasswordCategory struct{ name string }

var (
	PasswordEmail         = PasswordCategory{"EMAIL"}
	PasswordSocial        = PasswordCategory{"SOCIAL"}
	PasswordBanking       = PasswordCategory{"BANKING"}
	PasswordWork          = PasswordCategory{"WORK"}
	PasswordShopping      = PasswordCategory{"SHOPPING"}
	PasswordEntertainment = PasswordCategory{"ENTERTAINMENT"}
	PasswordOther         = PasswordCategory{"OTHER"}

	passwordCategories = []PasswordCategory{PasswordEmail, PasswordSocial, PasswordBanking, PasswordWork, PasswordShopping, PasswordEntertainment, PasswordOther}
)

func PasswordCategories() []PasswordCategory { return slices.Clone(passwordCategories) }

func ParsePasswordCategory(s string) (PasswordCategory, error) {
	return parseCategory(s, passwordCategories, "password category")
}

func (c PasswordCategory) String() string { return c.name }
func (c PasswordCategory) Valid() bool    { return c.name != "" }

func (c PasswordCategory) MarshalText() ([]byte, error) {
	return marshalCategory(c.name, "password category")
}

func (c *PasswordCategory) UnmarshalText(text []byte) error {
	v, err := ParsePasswordCategory(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Role is the access level of a user account
type Role struct{ name string }

var (
	RoleOwner  = Role{"OWNER"}
	RoleMember = Role{"MEMBER"}
	RoleGuest  = Role{"GUEST"}

	roles = []Role{RoleOwner, RoleMember, RoleGuest}
)

func Roles() []Role { return slices.Clone(roles) }

func ParseRole(s string) (Role, error) {
	return parseCategory(s, roles, "role")
}

func (r Role) String() string               { return r.name }
func (r Role) Valid() bool                  { return r.name != "" }
func (r Role) MarshalText() ([]byte, error) { return marshalCategory(r.name, "role") }
func (r *Role) UnmarshalText(text []byte) error {
	v, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// CanManageUsers reports whether the role may add or remove accounts.
func (r Role) CanManageUsers() bool {
	switch r {
	case RoleOwner:
		return true
	case RoleMember, RoleGuest:
		return false
	}
	return false
}
