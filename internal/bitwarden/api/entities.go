package api

import "time"

// Wire models for the vault API. Field sets follow what the sync
// engine consumes; unknown fields are ignored on decode.

// SyncResponse is the full vault snapshot returned by GET /sync.
type SyncResponse struct {
	Profile     SyncProfile        `json:"profile"`
	Folders     []FolderEntity     `json:"folders"`
	Ciphers     []CipherEntity     `json:"ciphers"`
	Collections []CollectionEntity `json:"collections"`
	Sends       []SendEntity       `json:"sends"`
}

// SyncProfile carries the account profile plus the key material needed
// to unlock everything else in the snapshot.
type SyncProfile struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Email         string               `json:"email"`
	EmailVerified bool                 `json:"emailVerified"`
	Premium       bool                 `json:"premium"`
	SecurityStamp string               `json:"securityStamp"`
	TwoFactor     bool                 `json:"twoFactorEnabled"`
	Key           string               `json:"key"`
	PrivateKey    string               `json:"privateKey"`
	AvatarColor   string               `json:"avatarColor"`
	Culture       string               `json:"culture"`
	Organizations []OrganizationEntity `json:"organizations"`
}

// OrganizationEntity is an organization membership, including the
// organization symmetric key wrapped with the user's RSA public key.
type OrganizationEntity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Key             string `json:"key"`
	Status          int    `json:"status"`
	Type            int    `json:"type"`
	Enabled         bool   `json:"enabled"`
	SelfHost        bool   `json:"selfHost"`
	KeyConnectorURL string `json:"keyConnectorUrl"`
}

// FolderEntity is one vault folder.
type FolderEntity struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RevisionDate time.Time `json:"revisionDate"`
}

// FolderRequest is the write model for folder create/update.
type FolderRequest struct {
	Name string `json:"name"`
}

// Cipher type discriminators.
const (
	CipherTypeLogin      = 1
	CipherTypeSecureNote = 2
	CipherTypeCard       = 3
	CipherTypeIdentity   = 4
	CipherTypeSSHKey     = 5
)

// CipherEntity is one vault item. Exactly one of Login, SecureNote,
// Card, Identity or SSHKey is populated, per Type.
type CipherEntity struct {
	ID             string     `json:"id"`
	Type           int        `json:"type"`
	FolderID       *string    `json:"folderId"`
	OrganizationID *string    `json:"organizationId"`
	CollectionIDs  []string   `json:"collectionIds"`
	Key            string     `json:"key,omitempty"`
	Name           string     `json:"name"`
	Notes          *string    `json:"notes"`
	Favorite       bool       `json:"favorite"`
	Reprompt       int        `json:"reprompt"`
	Edit           bool       `json:"edit"`
	ViewPassword   bool       `json:"viewPassword"`
	RevisionDate   time.Time  `json:"revisionDate"`
	CreationDate   *time.Time `json:"creationDate"`
	DeletedDate    *time.Time `json:"deletedDate"`

	Login      *CipherLogin      `json:"login,omitempty"`
	SecureNote *CipherSecureNote `json:"secureNote,omitempty"`
	Card       *CipherCard       `json:"card,omitempty"`
	Identity   *CipherIdentity   `json:"identity,omitempty"`
	SSHKey     *CipherSSHKey     `json:"sshKey,omitempty"`

	Fields          []CipherField         `json:"fields,omitempty"`
	Attachments     []CipherAttachment    `json:"attachments,omitempty"`
	PasswordHistory []CipherPasswordEntry `json:"passwordHistory,omitempty"`
}

// CipherLogin is the login payload of a cipher.
type CipherLogin struct {
	Username             *string           `json:"username"`
	Password             *string           `json:"password"`
	PasswordRevisionDate *time.Time        `json:"passwordRevisionDate"`
	TOTP                 *string           `json:"totp"`
	URIs                 []CipherLoginURI  `json:"uris"`
	FIDO2Credentials     []FIDO2Credential `json:"fido2Credentials,omitempty"`
}

// CipherLoginURI is one URI attached to a login, with its integrity
// checksum.
type CipherLoginURI struct {
	URI         string  `json:"uri"`
	URIChecksum *string `json:"uriChecksum,omitempty"`
	Match       *int    `json:"match"`
}

// FIDO2Credential is a passkey stored on a login cipher.
type FIDO2Credential struct {
	CredentialID string     `json:"credentialId"`
	KeyType      string     `json:"keyType"`
	KeyAlgorithm string     `json:"keyAlgorithm"`
	KeyCurve     string     `json:"keyCurve"`
	KeyValue     string     `json:"keyValue"`
	RPID         string     `json:"rpId"`
	RPName       *string    `json:"rpName"`
	UserHandle   *string    `json:"userHandle"`
	UserName     *string    `json:"userName"`
	Counter      string     `json:"counter"`
	Discoverable string     `json:"discoverable"`
	CreationDate *time.Time `json:"creationDate"`
}

// CipherSecureNote is the secure-note payload.
type CipherSecureNote struct {
	Type int `json:"type"`
}

// CipherCard is the payment-card payload.
type CipherCard struct {
	CardholderName *string `json:"cardholderName"`
	Brand          *string `json:"brand"`
	Number         *string `json:"number"`
	ExpMonth       *string `json:"expMonth"`
	ExpYear        *string `json:"expYear"`
	Code           *string `json:"code"`
}

// CipherIdentity is the identity payload.
type CipherIdentity struct {
	Title          *string `json:"title"`
	FirstName      *string `json:"firstName"`
	MiddleName     *string `json:"middleName"`
	LastName       *string `json:"lastName"`
	Address1       *string `json:"address1"`
	Address2       *string `json:"address2"`
	Address3       *string `json:"address3"`
	City           *string `json:"city"`
	State          *string `json:"state"`
	PostalCode     *string `json:"postalCode"`
	Country        *string `json:"country"`
	Company        *string `json:"company"`
	Email          *string `json:"email"`
	Phone          *string `json:"phone"`
	SSN            *string `json:"ssn"`
	Username       *string `json:"username"`
	PassportNumber *string `json:"passportNumber"`
	LicenseNumber  *string `json:"licenseNumber"`
}

// CipherSSHKey is the SSH key payload.
type CipherSSHKey struct {
	PrivateKey     *string `json:"privateKey"`
	PublicKey      *string `json:"publicKey"`
	KeyFingerprint *string `json:"keyFingerprint"`
}

// CipherField is one custom field on a cipher.
type CipherField struct {
	Type     int     `json:"type"`
	Name     *string `json:"name"`
	Value    *string `json:"value"`
	LinkedID *int    `json:"linkedId"`
}

// CipherAttachment is attachment metadata; the blob lives elsewhere.
type CipherAttachment struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	FileName *string `json:"fileName"`
	Key      *string `json:"key"`
	Size     string  `json:"size"`
}

// CipherPasswordEntry is one password-history record.
type CipherPasswordEntry struct {
	LastUsedDate time.Time `json:"lastUsedDate"`
	Password     string    `json:"password"`
}

// CipherRequest is the write model for cipher create/update. The same
// shape is used for both; the server fills server-side fields.
type CipherRequest struct {
	Type                  int        `json:"type"`
	FolderID              *string    `json:"folderId"`
	OrganizationID        *string    `json:"organizationId"`
	Name                  string     `json:"name"`
	Notes                 *string    `json:"notes"`
	Favorite              bool       `json:"favorite"`
	Reprompt              int        `json:"reprompt"`
	Key                   string     `json:"key,omitempty"`
	LastKnownRevisionDate *time.Time `json:"lastKnownRevisionDate,omitempty"`

	Login      *CipherLogin      `json:"login,omitempty"`
	SecureNote *CipherSecureNote `json:"secureNote,omitempty"`
	Card       *CipherCard       `json:"card,omitempty"`
	Identity   *CipherIdentity   `json:"identity,omitempty"`
	SSHKey     *CipherSSHKey     `json:"sshKey,omitempty"`

	Fields          []CipherField         `json:"fields,omitempty"`
	PasswordHistory []CipherPasswordEntry `json:"passwordHistory,omitempty"`
}

// CollectionEntity is one organization collection.
type CollectionEntity struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	ReadOnly       bool   `json:"readOnly"`
	HidePasswords  bool   `json:"hidePasswords"`
}

// Send type discriminators.
const (
	SendTypeText = 0
	SendTypeFile = 1
)

// SendEntity is one Bitwarden Send.
type SendEntity struct {
	ID             string     `json:"id"`
	AccessID       string     `json:"accessId"`
	Type           int        `json:"type"`
	Name           string     `json:"name"`
	Notes          *string    `json:"notes"`
	Key            string     `json:"key"`
	Password       *string    `json:"password"`
	MaxAccessCount *int       `json:"maxAccessCount"`
	AccessCount    int        `json:"accessCount"`
	Disabled       bool       `json:"disabled"`
	HideEmail      *bool      `json:"hideEmail"`
	RevisionDate   time.Time  `json:"revisionDate"`
	ExpirationDate *time.Time `json:"expirationDate"`
	DeletionDate   time.Time  `json:"deletionDate"`

	Text *SendText `json:"text,omitempty"`
	File *SendFile `json:"file,omitempty"`
}

// SendText is the text payload of a Send.
type SendText struct {
	Text   *string `json:"text"`
	Hidden bool    `json:"hidden"`
}

// SendFile is the file payload of a Send.
type SendFile struct {
	ID       string  `json:"id"`
	FileName *string `json:"fileName"`
	Size     string  `json:"size"`
}

// SendRequest is the write model for send create/update.
type SendRequest struct {
	Type           int        `json:"type"`
	Name           string     `json:"name"`
	Notes          *string    `json:"notes"`
	Key            string     `json:"key"`
	Password       *string    `json:"password,omitempty"`
	MaxAccessCount *int       `json:"maxAccessCount"`
	Disabled       bool       `json:"disabled"`
	HideEmail      *bool      `json:"hideEmail"`
	ExpirationDate *time.Time `json:"expirationDate"`
	DeletionDate   time.Time  `json:"deletionDate"`

	Text *SendText `json:"text,omitempty"`
	File *SendFile `json:"file,omitempty"`
}

// HibpBreach is one breach record from the Have-I-Been-Pwned proxy.
type HibpBreach struct {
	Name         string   `json:"name"`
	Title        string   `json:"title"`
	Domain       string   `json:"domain"`
	BreachDate   string   `json:"breachDate"`
	AddedDate    string   `json:"addedDate"`
	Description  string   `json:"description"`
	LogoPath     string   `json:"logoPath"`
	PwnCount     int64    `json:"pwnCount"`
	DataClasses  []string `json:"dataClasses"`
	IsVerified   bool     `json:"isVerified"`
	IsFabricated bool     `json:"isFabricated"`
	IsSensitive  bool     `json:"isSensitive"`
	IsSpamList   bool     `json:"isSpamList"`
}

// AvatarRequest updates the profile avatar color.
type AvatarRequest struct {
	AvatarColor string `json:"avatarColor"`
}

// ProfileRequest updates mutable profile fields.
type ProfileRequest struct {
	Name               string  `json:"name"`
	MasterPasswordHint *string `json:"masterPasswordHint,omitempty"`
	Culture            string  `json:"culture,omitempty"`
}

// TwoFactorEmailRequest asks the server to email a one-time code
// during login.
type TwoFactorEmailRequest struct {
	Email              string `json:"email"`
	MasterPasswordHash string `json:"masterPasswordHash"`
	DeviceIdentifier   string `json:"deviceIdentifier"`
}
