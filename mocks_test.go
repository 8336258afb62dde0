package serverlesslamp

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// recorder keeps every resource registration so tests can make structural
// assertions over the produced resource graph.
type recorder struct {
	mu        sync.Mutex
	resources []pulumi.MockResourceArgs
}

func (r *recorder) record(args pulumi.MockResourceArgs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, args)
}

func (r *recorder) byType(token string) []pulumi.MockResourceArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pulumi.MockResourceArgs
	for _, res := range r.resources {
		if res.TypeToken == token {
			out = append(out, res)
		}
	}
	return out
}

type mocks struct {
	rec *recorder
}

func (m mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.rec.record(args)

	outputs := args.Inputs.Mappable()
	switch args.TypeToken {
	case "random:index/randomPassword:RandomPassword":
		outputs["result"] = "a1b2c3d4e5f6"
	case "aws:secretsmanager/secret:Secret":
		outputs["arn"] = fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", args.Name)
		outputs["name"] = args.Name
	case "aws:rds/cluster:Cluster":
		outputs["endpoint"] = fmt.Sprintf("%s.cluster-xyz.us-east-1.rds.amazonaws.com", args.Name)
		outputs["readerEndpoint"] = fmt.Sprintf("%s.cluster-ro-xyz.us-east-1.rds.amazonaws.com", args.Name)
		outputs["clusterIdentifier"] = args.Name
	case "aws:rds/instance:Instance":
		outputs["address"] = fmt.Sprintf("%s.xyz.us-east-1.rds.amazonaws.com", args.Name)
		outputs["identifier"] = args.Name
	case "aws:rds/proxy:Proxy":
		outputs["endpoint"] = fmt.Sprintf("%s.proxy-xyz.us-east-1.rds.amazonaws.com", args.Name)
		outputs["arn"] = fmt.Sprintf("arn:aws:rds:us-east-1:123456789012:db-proxy:%s", args.Name)
		outputs["name"] = args.Name
	case "aws:rds/proxyDefaultTargetGroup:ProxyDefaultTargetGroup":
		outputs["name"] = "default"
	case "aws:lambda/function:Function":
		outputs["arn"] = fmt.Sprintf("arn:aws:lambda:us-east-1:123456789012:function:%s", args.Name)
		outputs["invokeArn"] = fmt.Sprintf("arn:aws:apigateway:us-east-1:lambda:path/2015-03-31/functions/%s/invocations", args.Name)
		outputs["name"] = args.Name
	case "aws:apigatewayv2/api:Api":
		outputs["apiEndpoint"] = fmt.Sprintf("https://%s.execute-api.us-east-1.amazonaws.com", args.Name)
		outputs["executionArn"] = fmt.Sprintf("arn:aws:execute-api:us-east-1:123456789012:%s", args.Name)
	case "aws:iam/role:Role":
		outputs["arn"] = fmt.Sprintf("arn:aws:iam::123456789012:role/%s", args.Name)
		outputs["name"] = args.Name
	}
	return args.Name + "_id", resource.NewPropertyMapFromMap(outputs), nil
}

func (m mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	if args.Token == "aws:index/getAvailabilityZones:getAvailabilityZones" {
		return resource.NewPropertyMapFromMap(map[string]interface{}{
			"names":   []string{"us-east-1a", "us-east-1b", "us-east-1c", "us-east-1d"},
			"zoneIds": []string{"use1-az1", "use1-az2", "use1-az4", "use1-az6"},
		}), nil
	}
	return args.Args, nil
}

// runProgram runs a test program against the mock monitor and returns the
// recorded resource registrations.
func runProgram(t *testing.T, program func(ctx *pulumi.Context) error) *recorder {
	t.Helper()
	rec := &recorder{}
	err := pulumi.RunErr(program, pulumi.WithMocks("project", "stack", mocks{rec: rec}))
	if err != nil {
		t.Fatalf("program failed: %v", err)
	}
	return rec
}

func boolPtr(b bool) *bool {
	return &b
}
