package ctap2

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"testing"

	"ctap2key/pkg/cbor"
	"ctap2key/pkg/credential"
	"ctap2key/pkg/ctaperr"
	"ctap2key/pkg/presence"
)

func newTestEngine() (*Engine, credential.AAGUID) {
	var aaguid credential.AAGUID
	for i := range aaguid {
		aaguid[i] = byte(0xA0 + i)
	}
	store := credential.New()
	return NewEngine(store, presence.AutoApprove{Approve: true}, aaguid, nil), aaguid
}

// encodeMakeCredentialRequest builds a request with no excludeList; use
// encodeMakeCredentialRequestWithExclude for the excludeList case.
func encodeMakeCredentialRequest(rpID string, userID []byte, _ [][]byte) []byte {
	w := cbor.NewWriter()
	w.WriteMapHeader(3)

	w.WriteUint(1)
	hash := sha256.Sum256([]byte("clientData"))
	w.WriteBytes(hash[:])

	w.WriteUint(2)
	w.WriteMapHeader(1)
	w.WriteText("id")
	w.WriteText(rpID)

	w.WriteUint(3)
	w.WriteMapHeader(3)
	w.WriteText("id")
	w.WriteBytes(userID)
	w.WriteText("name")
	w.WriteText("alice")
	w.WriteText("displayName")
	w.WriteText("Alice")

	return w.Bytes()
}

func encodeMakeCredentialRequestWithExclude(rpID string, userID []byte, excludeList [][]byte) []byte {
	w := cbor.NewWriter()
	w.WriteMapHeader(4)

	w.WriteUint(1)
	hash := sha256.Sum256([]byte("clientData"))
	w.WriteBytes(hash[:])

	w.WriteUint(2)
	w.WriteMapHeader(1)
	w.WriteText("id")
	w.WriteText(rpID)

	w.WriteUint(3)
	w.WriteMapHeader(3)
	w.WriteText("id")
	w.WriteBytes(userID)
	w.WriteText("name")
	w.WriteText("alice")
	w.WriteText("displayName")
	w.WriteText("Alice")

	w.WriteUint(5)
	w.WriteArrayHeader(len(excludeList))
	for _, id := range excludeList {
		w.WriteMapHeader(2)
		w.WriteText("id")
		w.WriteBytes(id)
		w.WriteText("type")
		w.WriteText("public-key")
	}

	return w.Bytes()
}

func encodeGetAssertionRequest(rpID string, allowList [][]byte, up bool) []byte {
	w := cbor.NewWriter()
	n := 2
	if allowList != nil {
		n++
	}
	n++ // options
	w.WriteMapHeader(n)

	w.WriteUint(1)
	w.WriteText(rpID)

	w.WriteUint(2)
	hash := sha256.Sum256([]byte("clientData"))
	w.WriteBytes(hash[:])

	if allowList != nil {
		w.WriteUint(3)
		w.WriteArrayHeader(len(allowList))
		for _, id := range allowList {
			w.WriteMapHeader(2)
			w.WriteText("id")
			w.WriteBytes(id)
			w.WriteText("type")
			w.WriteText("public-key")
		}
	}

	w.WriteUint(5)
	w.WriteMapHeader(1)
	w.WriteText("up")
	w.WriteBool(up)

	return w.Bytes()
}

func mustMapValue(t *testing.T, r *cbor.Reader, key uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k, err := r.ReadUint()
		if err != nil {
			t.Fatalf("reading map key: %v", err)
		}
		if k == key {
			return
		}
		if err := r.Skip(); err != nil {
			t.Fatalf("skipping value: %v", err)
		}
	}
	t.Fatalf("key %d not found in map of %d entries", key, n)
}

func TestGetInfoExactByteLayout(t *testing.T) {
	engine, aaguid := newTestEngine()
	resp := engine.Handle([]byte{CmdGetInfo})

	if resp[0] != byte(ctaperr.OK) {
		t.Fatalf("status = 0x%02x, want OK", resp[0])
	}

	payload := resp[1:]
	wantPrefix := []byte{0xA6, 0x01, 0x82, 0x68, 'F', 'I', 'D', 'O', '_', '2', '_', '0'}
	if !bytes.Equal(payload[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("GetInfo payload prefix = % X, want % X", payload[:len(wantPrefix)], wantPrefix)
	}

	r := cbor.NewReader(payload)
	n, err := r.ReadMapHeader()
	if err != nil || n != 6 {
		t.Fatalf("ReadMapHeader() = %d, %v; want 6, nil", n, err)
	}

	key, _ := r.ReadUint()
	if key != 1 {
		t.Fatalf("first key = %d, want 1", key)
	}
	versionsLen, _ := r.ReadArrayHeader()
	if versionsLen != 2 {
		t.Fatalf("versions array len = %d, want 2", versionsLen)
	}
	v1, _ := r.ReadText()
	v2, _ := r.ReadText()
	if v1 != "FIDO_2_0" || v2 != "U2F_V2" {
		t.Fatalf("versions = %q, %q", v1, v2)
	}

	key, _ = r.ReadUint()
	if key != 2 {
		t.Fatalf("second key = %d, want 2", key)
	}
	if n, _ := r.ReadArrayHeader(); n != 0 {
		t.Fatalf("extensions len = %d, want 0", n)
	}

	key, _ = r.ReadUint()
	if key != 3 {
		t.Fatalf("third key = %d, want 3", key)
	}
	gotAAGUID, err := r.ReadBytes()
	if err != nil || !bytes.Equal(gotAAGUID, aaguid[:]) {
		t.Fatalf("AAGUID = % X, want % X", gotAAGUID, aaguid[:])
	}

	key, _ = r.ReadUint()
	if key != 4 {
		t.Fatalf("fourth key = %d, want 4", key)
	}
	optN, _ := r.ReadMapHeader()
	if optN != 3 {
		t.Fatalf("options map len = %d, want 3", optN)
	}
}

func TestMakeCredentialFreshCounterIsZero(t *testing.T) {
	engine, aaguid := newTestEngine()
	req := encodeMakeCredentialRequest("example.com", []byte("user1"), nil)

	resp := engine.Handle(append([]byte{CmdMakeCredential}, req...))
	if resp[0] != byte(ctaperr.OK) {
		t.Fatalf("status = 0x%02x, want OK", resp[0])
	}

	r := cbor.NewReader(resp[1:])
	n, err := r.ReadMapHeader()
	if err != nil || n != 3 {
		t.Fatalf("ReadMapHeader() = %d, %v; want 3, nil", n, err)
	}

	k, _ := r.ReadUint()
	if k != 1 {
		t.Fatalf("key = %d, want 1", k)
	}
	fmtName, _ := r.ReadText()
	if fmtName != "packed" {
		t.Fatalf("fmt = %q, want packed", fmtName)
	}

	k, _ = r.ReadUint()
	if k != 2 {
		t.Fatalf("key = %d, want 2", k)
	}
	authData, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("reading authData: %v", err)
	}

	rpIDHash := sha256.Sum256([]byte("example.com"))
	if !bytes.Equal(authData[0:32], rpIDHash[:]) {
		t.Fatalf("rpIDHash mismatch")
	}
	if authData[32] != flagUP|flagAT {
		t.Fatalf("flags = 0x%02x, want 0x%02x", authData[32], flagUP|flagAT)
	}
	signCount := authData[33:37]
	if !bytes.Equal(signCount, []byte{0, 0, 0, 0}) {
		t.Fatalf("sign count in fresh authData = % X, want zero", signCount)
	}
	if !bytes.Equal(authData[37:53], aaguid[:]) {
		t.Fatalf("AAGUID in authData mismatch")
	}

	k, _ = r.ReadUint()
	if k != 3 {
		t.Fatalf("key = %d, want 3", k)
	}
}

func TestMakeCredentialExcludeListRejectsExisting(t *testing.T) {
	engine, _ := newTestEngine()
	req := encodeMakeCredentialRequest("example.com", []byte("user1"), nil)
	first := engine.Handle(append([]byte{CmdMakeCredential}, req...))
	if first[0] != byte(ctaperr.OK) {
		t.Fatalf("first MakeCredential failed: status 0x%02x", first[0])
	}

	r := cbor.NewReader(first[1:])
	r.ReadMapHeader()
	r.ReadUint()
	r.ReadText()
	r.ReadUint()
	authData, _ := r.ReadBytes()
	credID := authData[55:87]

	excludeReq := encodeMakeCredentialRequestWithExclude("example.com", []byte("user2"), [][]byte{credID})
	second := engine.Handle(append([]byte{CmdMakeCredential}, excludeReq...))
	if ctaperr.Status(second[0]) != ctaperr.CredentialExcluded {
		t.Fatalf("status = 0x%02x, want CREDENTIAL_EXCLUDED", second[0])
	}
}

func TestGetAssertionAfterMakeCredentialIncrementsCounterOnce(t *testing.T) {
	engine, _ := newTestEngine()
	mcReq := encodeMakeCredentialRequest("example.com", []byte("user1"), nil)
	mcResp := engine.Handle(append([]byte{CmdMakeCredential}, mcReq...))
	if mcResp[0] != byte(ctaperr.OK) {
		t.Fatalf("MakeCredential failed: status 0x%02x", mcResp[0])
	}

	gaReq := encodeGetAssertionRequest("example.com", nil, true)
	gaResp := engine.Handle(append([]byte{CmdGetAssertion}, gaReq...))
	if gaResp[0] != byte(ctaperr.OK) {
		t.Fatalf("GetAssertion failed: status 0x%02x", gaResp[0])
	}

	r := cbor.NewReader(gaResp[1:])
	n, _ := r.ReadMapHeader()
	if n != 3 {
		t.Fatalf("response map len = %d, want 3", n)
	}
	r.ReadUint()
	r.ReadMapHeader()
	r.ReadText()
	r.ReadBytes()
	r.ReadText()
	r.ReadText()

	r.ReadUint()
	authData, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("reading authData: %v", err)
	}
	if len(authData) != 37 {
		t.Fatalf("assertion authData len = %d, want 37 (no attested credential data)", len(authData))
	}
	signCount := authData[33:37]
	if !bytes.Equal(signCount, []byte{0, 0, 0, 1}) {
		t.Fatalf("sign count after one GetAssertion = % X, want 00000001", signCount)
	}
}

func TestGetAssertionNoCredentials(t *testing.T) {
	engine, _ := newTestEngine()
	req := encodeGetAssertionRequest("nobody.example.com", nil, true)
	resp := engine.Handle(append([]byte{CmdGetAssertion}, req...))
	if ctaperr.Status(resp[0]) != ctaperr.NoCredentials {
		t.Fatalf("status = 0x%02x, want NO_CREDENTIALS", resp[0])
	}
}

func TestResetThenGetAssertionHasNoCredentials(t *testing.T) {
	engine, _ := newTestEngine()
	mcReq := encodeMakeCredentialRequest("example.com", []byte("user1"), nil)
	if resp := engine.Handle(append([]byte{CmdMakeCredential}, mcReq...)); resp[0] != byte(ctaperr.OK) {
		t.Fatalf("MakeCredential failed: status 0x%02x", resp[0])
	}

	resetResp := engine.Handle([]byte{CmdReset})
	if resetResp[0] != byte(ctaperr.OK) {
		t.Fatalf("Reset failed: status 0x%02x", resetResp[0])
	}

	gaReq := encodeGetAssertionRequest("example.com", nil, true)
	gaResp := engine.Handle(append([]byte{CmdGetAssertion}, gaReq...))
	if ctaperr.Status(gaResp[0]) != ctaperr.NoCredentials {
		t.Fatalf("status after Reset = 0x%02x, want NO_CREDENTIALS", gaResp[0])
	}
}

func TestMakeCredentialSignatureVerifiesUnderCOSEKey(t *testing.T) {
	engine, _ := newTestEngine()
	req := encodeMakeCredentialRequest("example.com", []byte("user1"), nil)
	resp := engine.Handle(append([]byte{CmdMakeCredential}, req...))
	if resp[0] != byte(ctaperr.OK) {
		t.Fatalf("MakeCredential failed: status 0x%02x", resp[0])
	}

	r := cbor.NewReader(resp[1:])
	r.ReadMapHeader()
	r.ReadUint()
	r.ReadText()
	r.ReadUint()
	authData, _ := r.ReadBytes()
	r.ReadUint()
	sigMapLen, _ := r.ReadMapHeader()
	if sigMapLen != 1 {
		t.Fatalf("sig map len = %d, want 1", sigMapLen)
	}
	r.ReadText()
	sig, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("reading sig: %v", err)
	}

	coseKey := authData[87:]
	kr := cbor.NewReader(coseKey)
	kn, _ := kr.ReadMapHeader()
	if kn != 5 {
		t.Fatalf("COSE key map len = %d, want 5", kn)
	}
	var x, y []byte
	for i := 0; i < kn; i++ {
		k, err := kr.ReadInt()
		if err != nil {
			t.Fatalf("reading COSE key field: %v", err)
		}
		switch k {
		case -2:
			x, _ = kr.ReadBytes()
		case -3:
			y, _ = kr.ReadBytes()
		default:
			kr.Skip()
		}
	}

	hash := sha256.Sum256([]byte("clientData"))
	signed := append(append([]byte(nil), authData...), hash[:]...)
	digest := sha256.Sum256(signed)

	var sigStruct struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig, &sigStruct); err != nil {
		t.Fatalf("decoding DER signature: %v", err)
	}

	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	if !ecdsa.Verify(pub, digest[:], sigStruct.R, sigStruct.S) {
		t.Fatalf("attestation signature does not verify under the response's own COSE key")
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	engine, _ := newTestEngine()
	resp := engine.Handle([]byte{0x7F})
	if ctaperr.Status(resp[0]) != ctaperr.InvalidCBOR {
		t.Fatalf("status = 0x%02x, want INVALID_CBOR", resp[0])
	}
}

func TestHandleEmptyRequest(t *testing.T) {
	engine, _ := newTestEngine()
	resp := engine.Handle(nil)
	if ctaperr.Status(resp[0]) != ctaperr.InvalidCBOR {
		t.Fatalf("status = 0x%02x, want INVALID_CBOR", resp[0])
	}
}
