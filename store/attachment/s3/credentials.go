package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// buildAWSConfig loads the AWS config for the configured credentials.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	creds, err := credentialsProvider(ctx, o)
	if err != nil {
		return aws.Config{}, err
	}
	if creds != nil {
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}
	return config.LoadDefaultConfig(ctx, optFns...)
}

// credentialsProvider returns nil when the default chain (env, shared
// config, IRSA, instance role) applies. Static keys win over a role.
func credentialsProvider(ctx context.Context, o *options) (aws.CredentialsProvider, error) {
	if o.accessKey != "" && o.secretKey != "" {
		return credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken), nil
	}
	if o.roleARN == "" {
		return nil, nil
	}

	// The role is assumed with whatever the default chain provides.
	base, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
	if err != nil {
		return nil, fmt.Errorf("load base config for role %s: %w", o.roleARN, err)
	}
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), o.roleARN, func(ar *stscreds.AssumeRoleOptions) {
		ar.RoleSessionName = o.roleSessionName
		if o.externalID != "" {
			ar.ExternalID = aws.String(o.externalID)
		}
	})
	return aws.NewCredentialsCache(provider), nil
}
