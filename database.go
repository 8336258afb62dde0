package serverlesslamp

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-random/sdk/v4/go/random"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	defaultMasterUserName = "admin"
	defaultInstanceType   = "db.t3.medium"
	defaultClusterEngine  = "aurora-mysql"
	defaultEngineVersion  = "5.7.mysql_aurora.2.09.1"
	databasePort          = 3306
)

// RdsProxyOptions tunes the optional RDS Proxy in front of the database.
type RdsProxyOptions struct {
	DebugLogging *bool
	// IdleClientTimeout is the number of seconds a client connection may
	// stay idle before the proxy closes it.
	IdleClientTimeout int
	RequireTLS        *bool
	// Connection pool settings applied to the proxy's default target group.
	MaxConnectionsPercent     int
	MaxIdleConnectionsPercent int
	// BorrowTimeout is the number of seconds the proxy waits for a
	// connection to become available in the pool.
	BorrowTimeout int
}

// DatabaseClusterArgs configures NewDatabaseCluster.
type DatabaseClusterArgs struct {
	// Network the database is placed into. Required.
	Network *Network
	// Engine for the cluster topology. Defaults to aurora-mysql.
	Engine string
	// EngineVersion for the cluster topology. Defaults to a pinned
	// Aurora MySQL 5.7 version.
	EngineVersion string
	// MasterUserName defaults to admin.
	MasterUserName string
	// InstanceType defaults to db.t3.medium.
	InstanceType string
	// InstanceCapacity is the number of cluster members. Defaults to 1.
	// Only meaningful for the cluster topology.
	InstanceCapacity int
	// RdsProxy enables the RDS Proxy. nil means enabled; only an
	// explicit false disables it.
	RdsProxy        *bool
	RdsProxyOptions *RdsProxyOptions
	// SingleDbInstance creates a standalone instance instead of an
	// Aurora cluster when true.
	SingleDbInstance *bool
}

// DatabaseCluster holds the database resources. Exactly one of Cluster and
// SingleInstance is set, selected by DatabaseClusterArgs.SingleDbInstance.
type DatabaseCluster struct {
	RdsProxy       *rds.Proxy
	MasterUser     string
	Secret         *secretsmanager.Secret
	Cluster        *rds.Cluster
	SingleInstance *rds.Instance
	SecurityGroup  *ec2.SecurityGroup
	SubnetGroup    *rds.SubnetGroup

	// Endpoint and ReaderEndpoint of the database itself. For a single
	// instance both are the instance address.
	Endpoint       pulumi.StringOutput
	ReaderEndpoint pulumi.StringOutput

	// proxyTarget is the resource the proxy must wait for before being
	// created. For a cluster this is the first member instance, which
	// also works around the provisioning engine leaving the cluster's
	// member grouping unset when the proxy races the first instance.
	proxyTarget pulumi.Resource
}

// NewDatabaseCluster creates the database tier: a generated credential
// secret, a self-referencing security group, an Aurora cluster or a single
// instance, and (unless disabled) an RDS Proxy with IAM authentication.
func NewDatabaseCluster(ctx *pulumi.Context, name string, args *DatabaseClusterArgs) (*DatabaseCluster, error) {
	if args == nil || args.Network == nil {
		return nil, fmt.Errorf("serverlesslamp: %s: Network is required", name)
	}

	masterUser := args.MasterUserName
	if masterUser == "" {
		masterUser = defaultMasterUserName
	}
	instanceType := args.InstanceType
	if instanceType == "" {
		instanceType = defaultInstanceType
	}
	engine := args.Engine
	if engine == "" {
		engine = defaultClusterEngine
	}
	engineVersion := args.EngineVersion
	if engineVersion == "" {
		engineVersion = defaultEngineVersion
	}
	instanceCapacity := args.InstanceCapacity
	if instanceCapacity == 0 {
		instanceCapacity = 1
	}
	singleInstance := args.SingleDbInstance != nil && *args.SingleDbInstance
	// Only an explicit false disables the proxy
	enableProxy := args.RdsProxy == nil || *args.RdsProxy

	if singleInstance && instanceCapacity > 1 {
		return nil, fmt.Errorf("serverlesslamp: %s: InstanceCapacity %d conflicts with SingleDbInstance", name, instanceCapacity)
	}

	db := &DatabaseCluster{MasterUser: masterUser}

	// Generate the master credential. A caller-supplied plaintext password
	// is never accepted.
	password, err := random.NewRandomPassword(ctx, fmt.Sprintf("%s-master-password", name), &random.RandomPasswordArgs{
		Length:  pulumi.Int(12),
		Special: pulumi.Bool(false),
	})
	if err != nil {
		return nil, err
	}

	secret, err := secretsmanager.NewSecret(ctx, fmt.Sprintf("%s-master-secret", name), &secretsmanager.SecretArgs{
		Description: pulumi.String(fmt.Sprintf("Master credential for %s", name)),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-master-secret", name)),
		},
	})
	if err != nil {
		return nil, err
	}
	db.Secret = secret

	_, err = secretsmanager.NewSecretVersion(ctx, fmt.Sprintf("%s-master-secret-version", name), &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pulumi.Sprintf(`{"username":%q,"password":%q}`, masterUser, password.Result),
	})
	if err != nil {
		return nil, err
	}

	// Create the database security group, allowing MySQL traffic between
	// members of the same group
	securityGroup, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("%s-sg", name), &ec2.SecurityGroupArgs{
		VpcId:       args.Network.Vpc.ID(),
		Description: pulumi.String(fmt.Sprintf("Security group for %s database", name)),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:    pulumi.String("tcp"),
				FromPort:    pulumi.Int(databasePort),
				ToPort:      pulumi.Int(databasePort),
				Self:        pulumi.Bool(true),
				Description: pulumi.String("Allow MySQL within the security group"),
			},
		},
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
			"Name": pulumi.String(fmt.Sprintf("%s-sg", name)),
		},
	})
	if err != nil {
		return nil, err
	}
	db.SecurityGroup = securityGroup

	// Create subnet group over the private subnets
	subnetGroup, err := rds.NewSubnetGroup(ctx, fmt.Sprintf("%s-subnet-group", name), &rds.SubnetGroupArgs{
		SubnetIds: args.Network.PrivateSubnetIDs(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-subnet-group", name)),
		},
	})
	if err != nil {
		return nil, err
	}
	db.SubnetGroup = subnetGroup

	if singleInstance {
		// Deletion protection is off: these deployments are disposable
		instance, err := rds.NewInstance(ctx, fmt.Sprintf("%s-instance", name), &rds.InstanceArgs{
			Engine:              pulumi.String("mysql"),
			EngineVersion:       pulumi.String("8.0"),
			InstanceClass:       pulumi.String(instanceType),
			AllocatedStorage:    pulumi.Int(20),
			Username:            pulumi.String(masterUser),
			Password:            password.Result,
			DbSubnetGroupName:   subnetGroup.Name,
			VpcSecurityGroupIds: pulumi.StringArray{securityGroup.ID()},
			SkipFinalSnapshot:   pulumi.Bool(true),
			DeletionProtection:  pulumi.Bool(false),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-instance", name)),
			},
		})
		if err != nil {
			return nil, err
		}
		db.SingleInstance = instance
		db.Endpoint = instance.Address
		db.ReaderEndpoint = instance.Address
		db.proxyTarget = instance
	} else {
		cluster, err := rds.NewCluster(ctx, fmt.Sprintf("%s-cluster", name), &rds.ClusterArgs{
			Engine:              pulumi.String(engine),
			EngineVersion:       pulumi.String(engineVersion),
			MasterUsername:      pulumi.String(masterUser),
			MasterPassword:      password.Result,
			DbSubnetGroupName:   subnetGroup.Name,
			VpcSecurityGroupIds: pulumi.StringArray{securityGroup.ID()},
			SkipFinalSnapshot:   pulumi.Bool(true),
			DeletionProtection:  pulumi.Bool(false),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-cluster", name)),
			},
		})
		if err != nil {
			return nil, err
		}
		db.Cluster = cluster
		db.Endpoint = cluster.Endpoint
		db.ReaderEndpoint = cluster.ReaderEndpoint

		for i := 0; i < instanceCapacity; i++ {
			member, err := rds.NewClusterInstance(ctx, fmt.Sprintf("%s-instance-%d", name, i+1), &rds.ClusterInstanceArgs{
				ClusterIdentifier:  cluster.ID(),
				InstanceClass:      pulumi.String(instanceType),
				Engine:             pulumi.String(engine),
				EngineVersion:      pulumi.String(engineVersion),
				DbSubnetGroupName:  subnetGroup.Name,
				PubliclyAccessible: pulumi.Bool(false),
				Tags: pulumi.StringMap{
					"Name": pulumi.String(fmt.Sprintf("%s-instance-%d", name, i+1)),
				},
			})
			if err != nil {
				return nil, err
			}
			if i == 0 {
				db.proxyTarget = member
			}
		}
	}

	if enableProxy {
		if err := db.createProxy(ctx, name, args); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// createProxy creates the RDS Proxy, its IAM role scoped to the one
// credential secret, and the target group attachment to whichever of
// {instance, cluster} exists.
func (db *DatabaseCluster) createProxy(ctx *pulumi.Context, name string, args *DatabaseClusterArgs) error {
	opts := args.RdsProxyOptions
	if opts == nil {
		opts = &RdsProxyOptions{}
	}
	idleClientTimeout := opts.IdleClientTimeout
	if idleClientTimeout == 0 {
		idleClientTimeout = 1800
	}
	requireTLS := opts.RequireTLS == nil || *opts.RequireTLS
	debugLogging := opts.DebugLogging != nil && *opts.DebugLogging

	// Create the proxy role, trusted only by the RDS proxy service
	proxyRole, err := iam.NewRole(ctx, fmt.Sprintf("%s-proxy-role", name), &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Action": "sts:AssumeRole",
				"Principal": {
					"Service": "rds.amazonaws.com"
				},
				"Effect": "Allow",
				"Sid": ""
			}]
		}`),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-proxy-role", name)),
		},
	})
	if err != nil {
		return err
	}

	// Grant read access to exactly the one generated secret
	_, err = iam.NewRolePolicy(ctx, fmt.Sprintf("%s-proxy-secret-policy", name), &iam.RolePolicyArgs{
		Role: proxyRole.ID(),
		Policy: db.Secret.Arn.ApplyT(func(arn string) string {
			return `{
				"Version": "2012-10-17",
				"Statement": [{
					"Action": [
						"secretsmanager:GetResourcePolicy",
						"secretsmanager:GetSecretValue",
						"secretsmanager:DescribeSecret",
						"secretsmanager:ListSecretVersionIds"
					],
					"Effect": "Allow",
					"Resource": "` + arn + `"
				}]
			}`
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return err
	}

	// The proxy must not be created before its database target exists
	proxy, err := rds.NewProxy(ctx, fmt.Sprintf("%s-proxy", name), &rds.ProxyArgs{
		EngineFamily: pulumi.String("MYSQL"),
		RoleArn:      proxyRole.Arn,
		Auths: rds.ProxyAuthArray{
			&rds.ProxyAuthArgs{
				AuthScheme:  pulumi.String("SECRETS"),
				IamAuth:     pulumi.String("REQUIRED"),
				SecretArn:   db.Secret.Arn,
				Description: pulumi.String("Proxy authentication with the generated master secret"),
			},
		},
		RequireTls:          pulumi.Bool(requireTLS),
		DebugLogging:        pulumi.Bool(debugLogging),
		IdleClientTimeout:   pulumi.Int(idleClientTimeout),
		VpcSecurityGroupIds: pulumi.StringArray{db.SecurityGroup.ID()},
		VpcSubnetIds:        args.Network.PrivateSubnetIDs(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-proxy", name)),
		},
	}, pulumi.DependsOn([]pulumi.Resource{db.proxyTarget}))
	if err != nil {
		return err
	}
	db.RdsProxy = proxy

	poolConfig := &rds.ProxyDefaultTargetGroupConnectionPoolConfigArgs{}
	if opts.MaxConnectionsPercent > 0 {
		poolConfig.MaxConnectionsPercent = pulumi.Int(opts.MaxConnectionsPercent)
	}
	if opts.MaxIdleConnectionsPercent > 0 {
		poolConfig.MaxIdleConnectionsPercent = pulumi.Int(opts.MaxIdleConnectionsPercent)
	}
	if opts.BorrowTimeout > 0 {
		poolConfig.ConnectionBorrowTimeout = pulumi.Int(opts.BorrowTimeout)
	}

	targetGroup, err := rds.NewProxyDefaultTargetGroup(ctx, fmt.Sprintf("%s-proxy-target-group", name), &rds.ProxyDefaultTargetGroupArgs{
		DbProxyName:          proxy.Name,
		ConnectionPoolConfig: poolConfig,
	})
	if err != nil {
		return err
	}

	targetArgs := &rds.ProxyTargetArgs{
		DbProxyName:     proxy.Name,
		TargetGroupName: targetGroup.Name,
	}
	if db.SingleInstance != nil {
		targetArgs.DbInstanceIdentifier = db.SingleInstance.Identifier
	} else {
		targetArgs.DbClusterIdentifier = db.Cluster.ClusterIdentifier
	}
	_, err = rds.NewProxyTarget(ctx, fmt.Sprintf("%s-proxy-target", name), targetArgs)
	if err != nil {
		return err
	}

	return nil
}
