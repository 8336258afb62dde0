package serverlesslamp

import (
	"strings"
	"sync"
	"testing"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLayerArn = "arn:aws:lambda:us-east-1:209497400698:layer:php-74-fpm:12"

func TestServerlessApiReaderFallback(t *testing.T) {
	codePath := t.TempDir()
	runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		api, err := NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			BrefLayerVersion: testLayerArn,
			CodePath:         codePath,
			Network:          network,
			DatabaseConfig: &DatabaseConfig{
				Writer: pulumi.String("writer.example.com"),
			},
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		api.Function.Environment.ApplyT(func(env *lambda.FunctionEnvironment) error {
			defer wg.Done()
			require.NotNil(t, env)
			assert.Equal(t, "writer.example.com", env.Variables["DB_WRITER"])
			// Reader falls back to the writer endpoint
			assert.Equal(t, "writer.example.com", env.Variables["DB_READER"])
			assert.Equal(t, "admin", env.Variables["DB_USER"])
			assert.Equal(t, "/tmp", env.Variables["APP_STORAGE"])
			return nil
		})
		wg.Wait()
		return nil
	})
}

func TestServerlessLaravelWithoutDatabase(t *testing.T) {
	laravelPath := t.TempDir()
	rec := runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		app, err := NewServerlessLaravel(ctx, "app", &ServerlessLaravelArgs{
			BrefLayerVersion: testLayerArn,
			LaravelPath:      laravelPath,
			Network:          network,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		app.Function.Environment.ApplyT(func(env *lambda.FunctionEnvironment) error {
			defer wg.Done()
			require.NotNil(t, env)
			assert.Equal(t, "", env.Variables["DB_WRITER"])
			assert.Equal(t, "", env.Variables["DB_READER"])
			assert.Equal(t, "admin", env.Variables["DB_USER"])
			return nil
		})
		wg.Wait()
		return nil
	})

	// One function behind one HTTP API
	functions := rec.byType("aws:lambda/function:Function")
	require.Len(t, functions, 1)
	assert.Len(t, rec.byType("aws:apigatewayv2/api:Api"), 1)

	// The Laravel path is what gets packaged
	archive := functions[0].Inputs["code"].ArchiveValue()
	require.NotNil(t, archive)
	assert.Equal(t, laravelPath, archive.Path)
	assert.Equal(t, "public/index.php", functions[0].Inputs["handler"].StringValue())

	// The integration proxies to the function
	integrations := rec.byType("aws:apigatewayv2/integration:Integration")
	require.Len(t, integrations, 1)
	assert.Equal(t, "AWS_PROXY", integrations[0].Inputs["integrationType"].StringValue())
	assert.Contains(t, integrations[0].Inputs["integrationUri"].StringValue(), "app")

	// No database config and no proxy means no database grants
	assert.Len(t, rec.byType("aws:iam/rolePolicy:RolePolicy"), 0)
}

func TestServerlessApiDefaults(t *testing.T) {
	codePath := t.TempDir()
	rec := runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		_, err = NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			BrefLayerVersion: testLayerArn,
			CodePath:         codePath,
			Network:          network,
		})
		require.NoError(t, err)
		return nil
	})

	functions := rec.byType("aws:lambda/function:Function")
	require.Len(t, functions, 1)
	inputs := functions[0].Inputs
	assert.Equal(t, 120.0, inputs["timeout"].NumberValue())
	assert.Equal(t, 1024.0, inputs["memorySize"].NumberValue())
	assert.Equal(t, "provided.al2", inputs["runtime"].StringValue())

	layers := inputs["layers"].ArrayValue()
	require.Len(t, layers, 1)
	assert.Equal(t, testLayerArn, layers[0].StringValue())

	// Placed in the network's private subnets
	assert.True(t, inputs["vpcConfig"].HasValue())

	stages := rec.byType("aws:apigatewayv2/stage:Stage")
	require.Len(t, stages, 1)
	assert.Equal(t, "$default", stages[0].Inputs["name"].StringValue())
	assert.True(t, stages[0].Inputs["autoDeploy"].BoolValue())
}

func TestServerlessApiProxyGrant(t *testing.T) {
	codePath := t.TempDir()
	rec := runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		db, err := NewDatabaseCluster(ctx, "db", &DatabaseClusterArgs{Network: network})
		require.NoError(t, err)

		_, err = NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			BrefLayerVersion: testLayerArn,
			CodePath:         codePath,
			Network:          network,
			RdsProxy:         db.RdsProxy,
			DatabaseConfig: &DatabaseConfig{
				Writer:         db.RdsProxy.Endpoint,
				MasterUserName: db.MasterUser,
				Secret:         db.Secret,
			},
		})
		require.NoError(t, err)
		return nil
	})

	var connectGrants int
	for _, policy := range rec.byType("aws:iam/rolePolicy:RolePolicy") {
		if strings.Contains(policy.Inputs["policy"].StringValue(), "rds-db:connect") {
			connectGrants++
		}
	}
	assert.Equal(t, 1, connectGrants)
}

func TestServerlessApiCustomHandler(t *testing.T) {
	rec := runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		handler, err := lambda.NewFunction(ctx, "custom", &lambda.FunctionArgs{
			Runtime: pulumi.String("provided.al2"),
			Handler: pulumi.String("bootstrap"),
			Code:    pulumi.NewFileArchive(t.TempDir()),
			Role:    pulumi.String("arn:aws:iam::123456789012:role/custom"),
		})
		require.NoError(t, err)

		api, err := NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			Handler: handler,
			Network: network,
		})
		require.NoError(t, err)

		// The supplied handler is used as-is
		assert.Equal(t, handler, api.Function)
		assert.Nil(t, api.Role)
		return nil
	})

	assert.Len(t, rec.byType("aws:lambda/function:Function"), 1)
	assert.Len(t, rec.byType("aws:apigatewayv2/api:Api"), 1)
}

func TestServerlessApiDefaultNetwork(t *testing.T) {
	codePath := t.TempDir()
	rec := runProgram(t, func(ctx *pulumi.Context) error {
		api, err := NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			BrefLayerVersion: testLayerArn,
			CodePath:         codePath,
		})
		require.NoError(t, err)
		assert.NotNil(t, api.Network)
		return nil
	})

	vpcs := rec.byType("aws:ec2/vpc:Vpc")
	require.Len(t, vpcs, 1)
	assert.Equal(t, "app-vpc", vpcs[0].Name)
}

func TestServerlessApiValidation(t *testing.T) {
	codePath := t.TempDir()
	runProgram(t, func(ctx *pulumi.Context) error {
		network, err := NewNetwork(ctx, "net")
		require.NoError(t, err)

		_, err = NewServerlessApi(ctx, "app", &ServerlessApiArgs{
			CodePath: codePath,
			Network:  network,
		})
		assert.Error(t, err)

		_, err = NewServerlessApi(ctx, "app2", &ServerlessApiArgs{
			BrefLayerVersion: testLayerArn,
			Network:          network,
		})
		assert.Error(t, err)
		return nil
	})
}
