package serverlesslamp

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/apigatewayv2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/secretsmanager"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	defaultHandler    = "public/index.php"
	defaultMemorySize = 1024
	defaultTimeout    = 120
	appStoragePath    = "/tmp"
)

// DatabaseConfig carries the database connection settings bridged into the
// function's environment. Writer is required; Reader falls back to Writer
// and MasterUserName falls back to admin. The password itself is never put
// in the environment; the application reads it from the secret at runtime.
type DatabaseConfig struct {
	Writer         pulumi.StringInput
	Reader         pulumi.StringInput
	MasterUserName string
	Secret         *secretsmanager.Secret
}

// ServerlessApiArgs configures NewServerlessApi.
type ServerlessApiArgs struct {
	// BrefLayerVersion is the ARN of the Bref PHP runtime layer. Required
	// unless a prebuilt Handler is supplied.
	BrefLayerVersion string
	// Handler is an optional prebuilt function. When set it takes
	// precedence over CodePath and no environment bridging is applied;
	// the supplied function keeps its own role and permissions.
	Handler *lambda.Function
	// CodePath is the directory packaged as the function code.
	CodePath string
	// MemorySize in MB. Defaults to 1024.
	MemorySize int
	// Timeout in seconds. Defaults to 120.
	Timeout int
	// Network the function is placed into. When nil and the construct
	// creates the function, a default network is declared.
	Network        *Network
	DatabaseConfig *DatabaseConfig
	// RdsProxy, when set, grants the function role permission to connect
	// through the proxy with IAM authentication.
	RdsProxy *rds.Proxy
}

// ServerlessApi holds a PHP Lambda function and the HTTP API fronting it.
type ServerlessApi struct {
	Function      *lambda.Function
	Role          *iam.Role
	SecurityGroup *ec2.SecurityGroup
	Api           *apigatewayv2.Api
	Network       *Network

	// Url is the public endpoint of the HTTP API.
	Url pulumi.StringOutput
}

// NewServerlessApi creates a Lambda function running the Bref PHP layer and
// an API Gateway HTTP API forwarding every request to it.
func NewServerlessApi(ctx *pulumi.Context, name string, args *ServerlessApiArgs) (*ServerlessApi, error) {
	if args == nil {
		return nil, fmt.Errorf("serverlesslamp: %s: args are required", name)
	}
	if args.Handler == nil && args.BrefLayerVersion == "" {
		return nil, fmt.Errorf("serverlesslamp: %s: BrefLayerVersion is required", name)
	}
	if args.Handler == nil && args.CodePath == "" {
		return nil, fmt.Errorf("serverlesslamp: %s: CodePath is required", name)
	}

	api := &ServerlessApi{Network: args.Network}

	if args.Handler != nil {
		api.Function = args.Handler
	} else {
		if api.Network == nil {
			network, err := NewNetwork(ctx, fmt.Sprintf("%s-vpc", name))
			if err != nil {
				return nil, err
			}
			api.Network = network
		}
		fn, err := api.createFunction(ctx, name, args)
		if err != nil {
			return nil, err
		}
		api.Function = fn
	}

	if err := api.createHttpApi(ctx, name); err != nil {
		return nil, err
	}

	return api, nil
}

// createFunction creates the execution role and the PHP Lambda function,
// bridging the database endpoints into its environment.
func (api *ServerlessApi) createFunction(ctx *pulumi.Context, name string, args *ServerlessApiArgs) (*lambda.Function, error) {
	memorySize := args.MemorySize
	if memorySize == 0 {
		memorySize = defaultMemorySize
	}
	timeout := args.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	// Create the Lambda execution role
	role, err := iam.NewRole(ctx, fmt.Sprintf("%s-role", name), &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Action": "sts:AssumeRole",
				"Principal": {
					"Service": "lambda.amazonaws.com"
				},
				"Effect": "Allow",
				"Sid": ""
			}]
		}`),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-role", name)),
		},
	})
	if err != nil {
		return nil, err
	}
	api.Role = role

	_, err = iam.NewRolePolicyAttachment(ctx, fmt.Sprintf("%s-basic-execution", name), &iam.RolePolicyAttachmentArgs{
		Role:      role.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, fmt.Sprintf("%s-vpc-execution", name), &iam.RolePolicyAttachmentArgs{
		Role:      role.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaVPCAccessExecutionRole"),
	})
	if err != nil {
		return nil, err
	}

	if args.RdsProxy != nil {
		// Allow the function to open database sessions through the proxy
		_, err = iam.NewRolePolicy(ctx, fmt.Sprintf("%s-proxy-connect", name), &iam.RolePolicyArgs{
			Role: role.ID(),
			Policy: pulumi.String(`{
				"Version": "2012-10-17",
				"Statement": [{
					"Action": [
						"rds-db:connect"
					],
					"Effect": "Allow",
					"Resource": "*"
				}]
			}`),
		})
		if err != nil {
			return nil, err
		}
	}

	securityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-fn-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       api.Network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Security group for %s function", name)),
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:    pulumi.String("-1"),
				FromPort:    pulumi.Int(0),
				ToPort:      pulumi.Int(0),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("Allow all outbound traffic"),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-fn-sg", name)),
		},
	})
	if err != nil {
		return nil, err
	}
	api.SecurityGroup = securityGroup

	// Resolve the database environment, falling back reader to writer and
	// the user to the default master user
	var writer, reader pulumi.StringInput = pulumi.String(""), pulumi.String("")
	user := defaultMasterUserName
	if cfg := args.DatabaseConfig; cfg != nil {
		writer = cfg.Writer
		reader = cfg.Writer
		if cfg.Reader != nil {
			reader = cfg.Reader
		}
		if cfg.MasterUserName != "" {
			user = cfg.MasterUserName
		}
	}

	fn, err := lambda.NewFunction(ctx, name, &lambda.FunctionArgs{
		Runtime:    pulumi.String("provided.al2"),
		Handler:    pulumi.String(defaultHandler),
		Code:       pulumi.NewFileArchive(args.CodePath),
		Role:       role.Arn,
		MemorySize: pulumi.Int(memorySize),
		Timeout:    pulumi.Int(timeout),
		Layers:     pulumi.StringArray{pulumi.String(args.BrefLayerVersion)},
		VpcConfig: &lambda.FunctionVpcConfigArgs{
			SubnetIds:        api.Network.PrivateSubnetIDs(),
			SecurityGroupIds: pulumi.StringArray{securityGroup.ID()},
		},
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: pulumi.StringMap{
				"APP_STORAGE": pulumi.String(appStoragePath),
				"DB_WRITER":   writer,
				"DB_READER":   reader,
				"DB_USER":     pulumi.String(user),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	return fn, nil
}

// createHttpApi creates the HTTP API, its default proxy route and stage,
// and the invoke permission for API Gateway.
func (api *ServerlessApi) createHttpApi(ctx *pulumi.Context, name string) error {
	httpApi, err := apigatewayv2.NewApi(ctx, fmt.Sprintf("%s-api", name), &apigatewayv2.ApiArgs{
		ProtocolType: pulumi.String("HTTP"),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-api", name)),
		},
	})
	if err != nil {
		return err
	}
	api.Api = httpApi
	api.Url = httpApi.ApiEndpoint

	integration, err := apigatewayv2.NewIntegration(ctx, fmt.Sprintf("%s-integration", name), &apigatewayv2.IntegrationArgs{
		ApiId:                httpApi.ID(),
		IntegrationType:      pulumi.String("AWS_PROXY"),
		IntegrationUri:       api.Function.InvokeArn,
		IntegrationMethod:    pulumi.String("POST"),
		PayloadFormatVersion: pulumi.String("2.0"),
	})
	if err != nil {
		return err
	}

	_, err = apigatewayv2.NewRoute(ctx, fmt.Sprintf("%s-default-route", name), &apigatewayv2.RouteArgs{
		ApiId:    httpApi.ID(),
		RouteKey: pulumi.String("$default"),
		Target:   pulumi.Sprintf("integrations/%s", integration.ID()),
	})
	if err != nil {
		return err
	}

	_, err = apigatewayv2.NewStage(ctx, fmt.Sprintf("%s-default-stage", name), &apigatewayv2.StageArgs{
		ApiId:      httpApi.ID(),
		Name:       pulumi.String("$default"),
		AutoDeploy: pulumi.Bool(true),
	})
	if err != nil {
		return err
	}

	_, err = lambda.NewPermission(ctx, fmt.Sprintf("%s-api-permission", name), &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  api.Function.Name,
		Principal: pulumi.String("apigateway.amazonaws.com"),
		SourceArn: pulumi.Sprintf("%s/*/*", httpApi.ExecutionArn),
	})
	if err != nil {
		return err
	}

	return nil
}
