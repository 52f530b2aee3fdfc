package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

// SecretsManager stores each user's credentials as a JSON secret named Prefix+user, e.g.
//
//	{"username": "alice", "password": "..."}
type SecretsManager struct {
	API    secretsmanageriface.SecretsManagerAPI
	Prefix string
}

// NewSecretsManager builds a store using the default AWS credential chain.
func NewSecretsManager(region, prefix string) (*SecretsManager, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("building AWS session: %w", err)
	}
	return &SecretsManager{API: secretsmanager.New(sess), Prefix: prefix}, nil
}

func (s *SecretsManager) Lookup(ctx context.Context, user string) (Credentials, error) {
	if user == "" {
		return Credentials{}, ErrNotFound
	}
	secretID := s.Prefix + user
	out, err := s.API.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("fetching secret %q: %w", secretID, err)
	}
	if out.SecretString == nil {
		return Credentials{}, fmt.Errorf("secret %q has no string value", secretID)
	}
	var c Credentials
	if err := json.Unmarshal([]byte(*out.SecretString), &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing secret %q: %w", secretID, err)
	}
	if c.Username == "" {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}
