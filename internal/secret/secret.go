// Package secret resolves operator secret references.
//
// A reference is one of
//
//	env:NAME           value of environment variable NAME
//	file:/path         contents of a file, trailing newline trimmed
//	ssm:/param/name    AWS SSM Parameter Store value, decrypted
//	kms:<base64>       AWS KMS ciphertext blob, decrypted
//	secretsmanager:ID  AWS Secrets Manager secret string or binary
//
// Anything else is taken literally.
package secret

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// ParameterGetter is the subset of the SSM client used here
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Decrypter is the subset of the KMS client used here
type Decrypter interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretGetter is the subset of the Secrets Manager client used here
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ErrEmpty is returned when a reference resolves to an empty value
var ErrEmpty = errors.New("secret is empty")

// Resolver resolves secret references. AWS clients are created from the
// default credential chain on first use unless set.
type Resolver struct {
	Region string
	SSM    ParameterGetter
	KMS    Decrypter
	SM     SecretGetter

	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)

	once   sync.Once
	awsCfg aws.Config
	awsErr error
}

// Resolve returns the secret bytes ref points to
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return nonEmpty([]byte(ref), "literal")
	}

	switch scheme {
	case "env":
		getenv := r.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		return nonEmpty([]byte(getenv(rest)), "env:"+rest)

	case "file":
		readFile := r.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		data, err := readFile(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		return nonEmpty(bytes.TrimRight(data, "\r\n"), "file:"+rest)

	case "ssm":
		client, err := r.ssmClient(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(rest),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameter failed: %w", err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return nil, fmt.Errorf("SSM parameter %s has no value", rest)
		}
		log.Debug().Str("parameter", rest).Msg("Resolved secret from SSM")
		return nonEmpty([]byte(*out.Parameter.Value), "ssm:"+rest)

	case "kms":
		blob, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("kms secret is not base64: %w", err)
		}
		client, err := r.kmsClient(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("KMS decrypt failed: %w", err)
		}
		log.Debug().Int("ciphertext_len", len(blob)).Msg("Resolved secret from KMS")
		return nonEmpty(out.Plaintext, "kms")

	case "secretsmanager":
		client, err := r.smClient(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(rest),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get secret: %w", err)
		}
		log.Debug().Str("secret_id", rest).Msg("Resolved secret from Secrets Manager")
		if out.SecretString != nil {
			return nonEmpty([]byte(*out.SecretString), "secretsmanager:"+rest)
		}
		return nonEmpty(out.SecretBinary, "secretsmanager:"+rest)

	default:
		return nonEmpty([]byte(ref), "literal")
	}
}

func (r *Resolver) loadAWS(ctx context.Context) (aws.Config, error) {
	r.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if r.Region != "" {
			opts = append(opts, config.WithRegion(r.Region))
		}
		r.awsCfg, r.awsErr = config.LoadDefaultConfig(ctx, opts...)
		if r.awsErr != nil {
			r.awsErr = fmt.Errorf("failed to load AWS config: %w", r.awsErr)
		}
	})
	return r.awsCfg, r.awsErr
}

func (r *Resolver) ssmClient(ctx context.Context) (ParameterGetter, error) {
	if r.SSM != nil {
		return r.SSM, nil
	}
	cfg, err := r.loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.SSM = ssm.NewFromConfig(cfg)
	return r.SSM, nil
}

func (r *Resolver) kmsClient(ctx context.Context) (Decrypter, error) {
	if r.KMS != nil {
		return r.KMS, nil
	}
	cfg, err := r.loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.KMS = kms.NewFromConfig(cfg)
	return r.KMS, nil
}

func (r *Resolver) smClient(ctx context.Context) (SecretGetter, error) {
	if r.SM != nil {
		return r.SM, nil
	}
	cfg, err := r.loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.SM = secretsmanager.NewFromConfig(cfg)
	return r.SM, nil
}

func nonEmpty(b []byte, source string) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%s: %w", source, ErrEmpty)
	}
	return b, nil
}
