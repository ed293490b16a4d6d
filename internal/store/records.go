package store

import (
	"time"
)

// Service error codes.
const (
	// CodeDecodingFailed marks records whose remote payload could not
	// be decrypted or decoded. They are kept as placeholders so the
	// item is visible and is never pushed back to the server.
	CodeDecodingFailed = 100_000
)

// RemoteInfo links a local record to its server-side counterpart.
type RemoteInfo struct {
	ID           string     `json:"id"`
	RevisionDate time.Time  `json:"revisionDate"`
	DeletedDate  *time.Time `json:"deletedDate,omitempty"`
}

// ServiceError records a per-record sync failure.
type ServiceError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`

	// RevisionDate is the remote revision the failure happened
	// against. A newer remote revision makes the record retryable.
	RevisionDate time.Time `json:"revisionDate"`
}

// CanRetry reports whether the record should be retried against the
// given remote revision.
func (e *ServiceError) CanRetry(remoteRevision time.Time) bool {
	if e == nil {
		return true
	}

	return !e.RevisionDate.Equal(remoteRevision)
}

// ServiceFields is the sync bookkeeping carried by every local record.
type ServiceFields struct {
	// Remote is nil for records created locally and not yet pushed.
	Remote *RemoteInfo `json:"remote,omitempty"`

	// Error is set when the last push or decode of this record failed.
	Error *ServiceError `json:"error,omitempty"`

	// Deleted marks a local soft delete awaiting a remote trash call.
	Deleted bool `json:"deleted,omitempty"`

	// Version is the local model version; records written by an older
	// scheme are re-pulled from the server.
	Version int `json:"version"`
}

// CurrentRecordVersion is bumped whenever the local record encoding
// changes incompatibly.
const CurrentRecordVersion = 1

// Profile is the decrypted account profile, one per account.
type Profile struct {
	AccountID     string `json:"accountId"`
	ProfileID     string `json:"profileId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Name          string `json:"name"`
	Premium       bool   `json:"premium"`
	SecurityStamp string `json:"securityStamp"`
	TwoFactor     bool   `json:"twoFactorEnabled"`
	AvatarColor   string `json:"avatarColor,omitempty"`
	Culture       string `json:"culture,omitempty"`

	// KeyBase64 is the decrypted profile symmetric key, and
	// PrivateKeyBase64 the decrypted RSA private key in PKCS#8 DER.
	KeyBase64        string `json:"keyBase64"`
	PrivateKeyBase64 string `json:"privateKeyBase64,omitempty"`
}

// Folder is a decrypted vault folder.
type Folder struct {
	LocalID      string    `json:"localId"`
	AccountID    string    `json:"accountId"`
	Name         string    `json:"name"`
	RevisionDate time.Time `json:"revisionDate"`

	Service ServiceFields `json:"service"`
}

// LoginURI is one URI on a login item.
type LoginURI struct {
	URI   string `json:"uri"`
	Match *int   `json:"match,omitempty"`
}

// LoginData is the decrypted login payload.
type LoginData struct {
	Username             string     `json:"username,omitempty"`
	Password             string     `json:"password,omitempty"`
	PasswordRevisionDate *time.Time `json:"passwordRevisionDate,omitempty"`
	TOTP                 string     `json:"totp,omitempty"`
	URIs                 []LoginURI `json:"uris,omitempty"`
}

// CardData is the decrypted payment-card payload.
type CardData struct {
	CardholderName string `json:"cardholderName,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Number         string `json:"number,omitempty"`
	ExpMonth       string `json:"expMonth,omitempty"`
	ExpYear        string `json:"expYear,omitempty"`
	Code           string `json:"code,omitempty"`
}

// IdentityData is the decrypted identity payload.
type IdentityData struct {
	Title          string `json:"title,omitempty"`
	FirstName      string `json:"firstName,omitempty"`
	MiddleName     string `json:"middleName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	Address1       string `json:"address1,omitempty"`
	Address2       string `json:"address2,omitempty"`
	Address3       string `json:"address3,omitempty"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`
	PostalCode     string `json:"postalCode,omitempty"`
	Country        string `json:"country,omitempty"`
	Company        string `json:"company,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	SSN            string `json:"ssn,omitempty"`
	Username       string `json:"username,omitempty"`
	PassportNumber string `json:"passportNumber,omitempty"`
	LicenseNumber  string `json:"licenseNumber,omitempty"`
}

// SSHKeyData is the decrypted SSH key payload.
type SSHKeyData struct {
	PrivateKey     string `json:"privateKey,omitempty"`
	PublicKey      string `json:"publicKey,omitempty"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
}

// Field is one decrypted custom field.
type Field struct {
	Type     int    `json:"type"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	LinkedID *int   `json:"linkedId,omitempty"`
}

// PasswordHistoryEntry is one decrypted password-history record.
type PasswordHistoryEntry struct {
	LastUsedDate time.Time `json:"lastUsedDate"`
	Password     string    `json:"password"`
}

// Attachment is decrypted attachment metadata.
type Attachment struct {
	RemoteID string `json:"remoteId"`
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size"`
}

// Cipher is a decrypted vault item. Exactly one payload field matching
// Type is set.
type Cipher struct {
	LocalID        string     `json:"localId"`
	AccountID      string     `json:"accountId"`
	FolderLocalID  *string    `json:"folderLocalId,omitempty"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	CollectionIDs  []string   `json:"collectionIds,omitempty"`
	Type           int        `json:"type"`
	Name           string     `json:"name"`
	Notes          string     `json:"notes,omitempty"`
	Favorite       bool       `json:"favorite,omitempty"`
	Reprompt       int        `json:"reprompt,omitempty"`
	RevisionDate   time.Time  `json:"revisionDate"`
	CreatedDate    *time.Time `json:"createdDate,omitempty"`
	DeletedDate    *time.Time `json:"deletedDate,omitempty"`

	Login      *LoginData    `json:"login,omitempty"`
	SecureNote *int          `json:"secureNote,omitempty"`
	Card       *CardData     `json:"card,omitempty"`
	Identity   *IdentityData `json:"identity,omitempty"`
	SSHKey     *SSHKeyData   `json:"sshKey,omitempty"`

	Fields          []Field                `json:"fields,omitempty"`
	Attachments     []Attachment           `json:"attachments,omitempty"`
	PasswordHistory []PasswordHistoryEntry `json:"passwordHistory,omitempty"`

	// IgnoredAlerts mutes watchtower-style warnings per alert type.
	IgnoredAlerts map[string]time.Time `json:"ignoredAlerts,omitempty"`

	Service ServiceFields `json:"service"`
}

// Collection is a decrypted organization collection. Collections are
// mirrored read-only; the server is the only writer.
type Collection struct {
	LocalID        string    `json:"localId"`
	AccountID      string    `json:"accountId"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	ReadOnly       bool      `json:"readOnly,omitempty"`
	HidePasswords  bool      `json:"hidePasswords,omitempty"`
	RevisionDate   time.Time `json:"revisionDate"`

	Service ServiceFields `json:"service"`
}

// Organization is a mirrored organization membership. KeyBase64 is the
// decrypted organization symmetric key.
type Organization struct {
	LocalID      string    `json:"localId"`
	AccountID    string    `json:"accountId"`
	Name         string    `json:"name"`
	KeyBase64    string    `json:"keyBase64,omitempty"`
	SelfHost     bool      `json:"selfHost,omitempty"`
	RevisionDate time.Time `json:"revisionDate"`

	Service ServiceFields `json:"service"`
}

// SendTextData is the decrypted text payload of a send.
type SendTextData struct {
	Text   string `json:"text,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`
}

// SendFileData is the decrypted file payload of a send.
type SendFileData struct {
	RemoteID string `json:"remoteId"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size"`
}

// Send is a decrypted Bitwarden Send. KeyBase64 is the raw key
// material the per-send key derives from.
type Send struct {
	LocalID        string     `json:"localId"`
	AccountID      string     `json:"accountId"`
	AccessID       string     `json:"accessId,omitempty"`
	Type           int        `json:"type"`
	Name           string     `json:"name"`
	Notes          string     `json:"notes,omitempty"`
	KeyBase64      string     `json:"keyBase64"`
	HasPassword    bool       `json:"hasPassword,omitempty"`
	MaxAccessCount *int       `json:"maxAccessCount,omitempty"`
	AccessCount    int        `json:"accessCount,omitempty"`
	Disabled       bool       `json:"disabled,omitempty"`
	HideEmail      bool       `json:"hideEmail,omitempty"`
	RevisionDate   time.Time  `json:"revisionDate"`
	DeletionDate   time.Time  `json:"deletionDate"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`

	Text *SendTextData `json:"text,omitempty"`
	File *SendFileData `json:"file,omitempty"`

	Service ServiceFields `json:"service"`
}

// Typed accessors. Each record kind lives in its own per-account
// bucket keyed by LocalID; the profile bucket holds a single record.

const profileKey = "profile"

func (t *Tx) PutProfile(p Profile) error {
	return t.putJSON(recordBucket(p.AccountID, "profile"), profileKey, p)
}

func (t *Tx) Profile(accountID string) (Profile, bool, error) {
	var p Profile
	found, err := t.getJSON(recordBucket(accountID, "profile"), profileKey, &p)

	return p, found, err
}

func (t *Tx) PutFolder(f Folder) error {
	return t.putJSON(recordBucket(f.AccountID, "folders"), f.LocalID, f)
}

func (t *Tx) DeleteFolder(accountID, localID string) error {
	return t.delete(recordBucket(accountID, "folders"), localID)
}

func (t *Tx) Folders(accountID string) ([]Folder, error) {
	return listRecords[Folder](t, recordBucket(accountID, "folders"))
}

func (t *Tx) PutCipher(c Cipher) error {
	return t.putJSON(recordBucket(c.AccountID, "ciphers"), c.LocalID, c)
}

func (t *Tx) DeleteCipher(accountID, localID string) error {
	return t.delete(recordBucket(accountID, "ciphers"), localID)
}

func (t *Tx) Ciphers(accountID string) ([]Cipher, error) {
	return listRecords[Cipher](t, recordBucket(accountID, "ciphers"))
}

func (t *Tx) PutCollection(c Collection) error {
	return t.putJSON(recordBucket(c.AccountID, "collections"), c.LocalID, c)
}

func (t *Tx) DeleteCollection(accountID, localID string) error {
	return t.delete(recordBucket(accountID, "collections"), localID)
}

func (t *Tx) Collections(accountID string) ([]Collection, error) {
	return listRecords[Collection](t, recordBucket(accountID, "collections"))
}

func (t *Tx) PutOrganization(o Organization) error {
	return t.putJSON(recordBucket(o.AccountID, "organizations"), o.LocalID, o)
}

func (t *Tx) DeleteOrganization(accountID, localID string) error {
	return t.delete(recordBucket(accountID, "organizations"), localID)
}

func (t *Tx) Organizations(accountID string) ([]Organization, error) {
	return listRecords[Organization](t, recordBucket(accountID, "organizations"))
}

func (t *Tx) PutSend(s Send) error {
	return t.putJSON(recordBucket(s.AccountID, "sends"), s.LocalID, s)
}

func (t *Tx) DeleteSend(accountID, localID string) error {
	return t.delete(recordBucket(accountID, "sends"), localID)
}

func (t *Tx) Sends(accountID string) ([]Send, error) {
	return listRecords[Send](t, recordBucket(accountID, "sends"))
}
