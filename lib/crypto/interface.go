package crypto

// PublicKeyI is the verifying half of a participant's signature key
type PublicKeyI interface {
	Bytes() []byte
	VerifyBytes(msg []byte, sig []byte) bool
	String() string
	Equals(PublicKeyI) bool
}

// PrivateKeyI is the signing half of a participant's signature key
type PrivateKeyI interface {
	Bytes() []byte
	Sign(msg []byte) []byte
	PublicKey() PublicKeyI
	String() string
	Equals(PrivateKeyI) bool
}

// MultiPublicKeyI is an ordered set of public keys with a signer bitmap, able to aggregate and verify
// the signatures of the enabled signers
type MultiPublicKeyI interface {
	AggregateSignatures() ([]byte, error)
	VerifyBytes(msg, aggregatedSignature []byte) bool
	AddSigner(signature []byte, index int) error
	SignerEnabledAt(i int) (bool, error)
	PublicKeys() (keys []PublicKeyI)
	SetBitmap(bm []byte) error
	Bitmap() []byte
	Copy() MultiPublicKeyI
	Reset()
}
