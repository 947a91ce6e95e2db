package model

const (
	RoleDonor      = "donor"
	RoleCampaigner = "campaigner"
	RoleAdmin      = "admin"
)

// Identity is the authenticated caller, passed explicitly through every
// operation.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// BankInfo is where a campaigner's released funds are paid out.
type BankInfo struct {
	AccountHolder string `json:"account_holder" yaml:"account_holder"`
	AccountNumber string `json:"account_number" yaml:"account_number"`
	RoutingNumber string `json:"routing_number" yaml:"routing_number"`
}

// User is the identity collaborator's view of an account. Capabilities are
// optional parts rather than subtypes.
type User struct {
	ID     string    `json:"id"`
	Role   string    `json:"role"`
	Bank   *BankInfo `json:"bank,omitempty"`
	Credit *Credit   `json:"credit,omitempty"`
}
