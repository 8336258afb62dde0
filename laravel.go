package serverlesslamp

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// ServerlessLaravelArgs mirrors ServerlessApiArgs with LaravelPath in place
// of the generic CodePath.
type ServerlessLaravelArgs struct {
	BrefLayerVersion string
	Handler          *lambda.Function
	// LaravelPath is the local path of the Laravel application.
	LaravelPath    string
	MemorySize     int
	Timeout        int
	Network        *Network
	DatabaseConfig *DatabaseConfig
	RdsProxy       *rds.Proxy
}

// NewServerlessLaravel creates a ServerlessApi for a Laravel application.
// It only translates LaravelPath into the generic code path.
func NewServerlessLaravel(ctx *pulumi.Context, name string, args *ServerlessLaravelArgs) (*ServerlessApi, error) {
	apiArgs := &ServerlessApiArgs{}
	if args != nil {
		apiArgs.BrefLayerVersion = args.BrefLayerVersion
		apiArgs.Handler = args.Handler
		apiArgs.CodePath = args.LaravelPath
		apiArgs.MemorySize = args.MemorySize
		apiArgs.Timeout = args.Timeout
		apiArgs.Network = args.Network
		apiArgs.DatabaseConfig = args.DatabaseConfig
		apiArgs.RdsProxy = args.RdsProxy
	}
	return NewServerlessApi(ctx, name, apiArgs)
}
