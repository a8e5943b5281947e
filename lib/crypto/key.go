package crypto

import (
	"encoding/hex"
	"os"

	"github.com/drand/kyber"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/util/random"
)

// NewBLSPrivateKey() generates a fresh random BLS private key
func NewBLSPrivateKey() (PrivateKeyI, error) {
	privateKey, _ := newBLSScheme().NewKeyPair(random.New())
	return NewBLS12381PrivateKey(privateKey), nil
}

// NewBLSPrivateKeyFromString() decodes a hex encoded BLS private key
func NewBLSPrivateKeyFromString(hexString string) (PrivateKeyI, error) {
	bz, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, err
	}
	return NewBLSPrivateKeyFromBytes(bz)
}

// NewBLSPrivateKeyFromBytes() decodes a binary BLS private key
func NewBLSPrivateKeyFromBytes(bz []byte) (PrivateKeyI, error) {
	keyCopy := newBLSSuite().G2().Scalar()
	if err := keyCopy.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return &BLS12381PrivateKey{
		Scalar: keyCopy,
		scheme: newBLSScheme(),
	}, nil
}

// NewBLSPublicKeyFromBytes() decodes a binary BLS public key
func NewBLSPublicKeyFromBytes(bz []byte) (PublicKeyI, error) {
	point, err := NewBLSPointFromBytes(bz)
	if err != nil {
		return nil, err
	}
	return &BLS12381PublicKey{
		Point:  point,
		scheme: newBLSScheme(),
	}, nil
}

// NewBLSPointFromBytes() decodes a binary public key into a G1 curve point
func NewBLSPointFromBytes(bz []byte) (kyber.Point, error) {
	point := newBLSSuite().G1().Point()
	if err := point.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return point, nil
}

// NewMultiBLSFromPoints() creates a multi public key over an ordered list of points with an optional signer bitmap
func NewMultiBLSFromPoints(publicKeys []kyber.Point, bitmap []byte) (MultiPublicKeyI, error) {
	mask, err := sign.NewMask(newBLSSuite(), publicKeys, nil)
	if err != nil {
		return nil, err
	}
	if bitmap != nil {
		if err = mask.SetMask(bitmap); err != nil {
			return nil, err
		}
	}
	return NewBLSMultiPublicKey(mask), nil
}

// NewMultiBLS() creates a multi public key over an ordered list of binary public keys
func NewMultiBLS(publicKeys [][]byte, bitmap []byte) (MultiPublicKeyI, error) {
	var points []kyber.Point
	for _, bz := range publicKeys {
		point, err := NewBLSPointFromBytes(bz)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return NewMultiBLSFromPoints(points, bitmap)
}

// NewBLSPrivateKeyFromFile() reads a hex encoded private key from disk
func NewBLSPrivateKeyFromFile(filepath string) (PrivateKeyI, error) {
	hexBytes, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return NewBLSPrivateKeyFromString(string(hexBytes))
}

// PrivateKeyToFile() writes a private key to disk as hex
func PrivateKeyToFile(key PrivateKeyI, filepath string) error {
	return os.WriteFile(filepath, []byte(hex.EncodeToString(key.Bytes())), 0600)
}
