package secret

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values     map[string]string
	gotDecrypt bool
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotDecrypt = aws.ToBool(in.WithDecryption)
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

type fakeKMS struct{}

func (fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	// Reverse the blob
	out := make([]byte, len(in.CiphertextBlob))
	for i, b := range in.CiphertextBlob {
		out[len(out)-1-i] = b
	}
	return &kms.DecryptOutput{Plaintext: out}, nil
}

type fakeSM map[string]*secretsmanager.GetSecretValueOutput

func (f fakeSM) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	out, ok := f[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ssmClient := &fakeSSM{values: map[string]string{"/honeygrid/store": "from-ssm"}}
	r := &Resolver{
		SSM: ssmClient,
		KMS: fakeKMS{},
		SM:  fakeSM{
			"honeygrid/store":     {SecretString: aws.String("from-sm")},
			"honeygrid/store-bin": {SecretBinary: []byte("from-sm-binary")},
		},
		Getenv: func(k string) string {
			if k == "HG_SECRET" {
				return "from-env"
			}
			return ""
		},
	}

	tests := []struct {
		ref  string
		want string
	}{
		{"plain-literal", "plain-literal"},
		{"env:HG_SECRET", "from-env"},
		{"file:" + path, "from-file"},
		{"ssm:/honeygrid/store", "from-ssm"},
		{"kms:" + base64.StdEncoding.EncodeToString([]byte("smk-morf")), "from-kms"},
		{"secretsmanager:honeygrid/store", "from-sm"},
		{"secretsmanager:honeygrid/store-bin", "from-sm-binary"},
		{"pass:with:colons", "pass:with:colons"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.ref)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tt.ref, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
	if !ssmClient.gotDecrypt {
		t.Error("SSM parameter was not requested with decryption")
	}
}

func TestResolveErrors(t *testing.T) {
	r := &Resolver{
		SSM:    &fakeSSM{},
		KMS:    fakeKMS{},
		SM:     fakeSM{"empty": {SecretString: aws.String("")}},
		Getenv: func(string) string { return "" },
	}
	for _, ref := range []string{"", "env:MISSING", "file:/nonexistent/secret", "ssm:/missing", "kms:***", "secretsmanager:missing", "secretsmanager:empty"} {
		if _, err := r.Resolve(context.Background(), ref); err == nil {
			t.Errorf("Resolve(%q) should fail", ref)
		}
	}
	if _, err := r.Resolve(context.Background(), "env:MISSING"); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}
