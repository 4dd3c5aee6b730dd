// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// stripelog-cli is a single-shot command line tool for exercising a log:
// create/open it against a chosen backend, then run one operation and
// exit. Grounded on
// _examples/transparency-dev-trillian-tessera/cmd/examples/posix-oneshot's
// shape (flag-driven, klog.Exitf on unrecoverable startup error, a single
// synchronous call before exit).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog"
	"github.com/stripelog/stripelog/backend"
	"github.com/stripelog/stripelog/backend/memory"
	"github.com/stripelog/stripelog/backend/objstore"
	"github.com/stripelog/stripelog/backend/posixstore"
)

var (
	scheme  = flag.String("backend_scheme", "posix", "One of: memory, posix, s3, gcs.")
	root    = flag.String("posix_root", "", "Root directory for the posix backend.")
	bucket  = flag.String("bucket", "", "Bucket name for the s3/gcs backends.")
	logName = flag.String("log", "", "Name of the log to create or open.")

	// s3Endpoint/s3AccessKeyID/s3SecretAccessKey let the s3 backend scheme
	// point at an S3-compatible endpoint (LocalStack, MinIO, ...) instead of
	// real AWS, the way the teacher's cmd/conformance/aws does for its own
	// test harness.
	s3Endpoint        = flag.String("s3_endpoint", "", "Optional S3-compatible endpoint override (e.g. http://localhost:4566).")
	s3AccessKeyID     = flag.String("s3_access_key_id", "", "Static access key ID, used only when --s3_endpoint is set.")
	s3SecretAccessKey = flag.String("s3_secret_access_key", "", "Static secret access key, used only when --s3_endpoint is set.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	args := flag.Args()
	if len(args) == 0 {
		klog.Exitf("usage: stripelog-cli [flags] <create|append|read|fill|trim|tail> [args...]")
	}
	cmd, rest := args[0], args[1:]

	if *logName == "" {
		klog.Exitf("--log is required")
	}

	be := openBackendOrDie(ctx)
	log, err := stripelog.CreateOrOpen(ctx, be, *logName)
	if err != nil {
		klog.Exitf("CreateOrOpen(%q): %v", *logName, err)
	}
	defer log.Close()

	switch cmd {
	case "create":
		fmt.Printf("log %q ready\n", *logName)
	case "append":
		if len(rest) != 1 {
			klog.Exitf("usage: append <data>")
		}
		pos, err := log.Append(ctx, []byte(rest[0]))
		if err != nil {
			klog.Exitf("Append: %v", err)
		}
		fmt.Printf("%d\n", pos)
	case "read":
		pos := parsePositionOrDie(rest)
		data, err := log.Read(ctx, pos)
		if err != nil {
			klog.Exitf("Read(%d): %v", pos, err)
		}
		fmt.Printf("%s\n", data)
	case "fill":
		pos := parsePositionOrDie(rest)
		if err := log.Fill(ctx, pos); err != nil {
			klog.Exitf("Fill(%d): %v", pos, err)
		}
		fmt.Println("ok")
	case "trim":
		pos := parsePositionOrDie(rest)
		if err := log.Trim(ctx, pos); err != nil {
			klog.Exitf("Trim(%d): %v", pos, err)
		}
		fmt.Println("ok")
	case "tail":
		pos, empty, err := log.CheckTail(ctx, false)
		if err != nil {
			klog.Exitf("CheckTail: %v", err)
		}
		fmt.Printf("%d empty=%v\n", pos, empty)
	default:
		klog.Exitf("unknown command %q", cmd)
	}
}

func parsePositionOrDie(args []string) uint64 {
	if len(args) != 1 {
		klog.Exitf("usage: <command> <position>")
	}
	pos, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		klog.Exitf("invalid position %q: %v", args[0], err)
	}
	return pos
}

func openBackendOrDie(ctx context.Context) backend.Backend {
	switch *scheme {
	case "memory":
		return memory.New()
	case "posix":
		if *root == "" {
			klog.Exitf("--posix_root is required for the posix backend")
		}
		be, err := posixstore.New(*root)
		if err != nil {
			klog.Exitf("posixstore.New: %v", err)
		}
		return be
	case "s3":
		if *bucket == "" {
			klog.Exitf("--bucket is required for the s3 backend")
		}
		cfg := objstore.S3Config{Bucket: *bucket}
		if *s3Endpoint != "" {
			endpoint := *s3Endpoint
			cfg.S3Options = func(o *s3.Options) {
				o.BaseEndpoint = awssdk.String(endpoint)
				o.Credentials = credentials.NewStaticCredentialsProvider(*s3AccessKeyID, *s3SecretAccessKey, "")
				o.UsePathStyle = true
			}
		}
		be, err := objstore.NewS3(ctx, cfg)
		if err != nil {
			klog.Exitf("objstore.NewS3: %v", err)
		}
		return be
	case "gcs":
		if *bucket == "" {
			klog.Exitf("--bucket is required for the gcs backend")
		}
		be, err := objstore.NewGCS(ctx, objstore.GCSConfig{Bucket: *bucket})
		if err != nil {
			klog.Exitf("objstore.NewGCS: %v", err)
		}
		return be
	default:
		klog.Exitf("unknown --backend_scheme %q", *scheme)
		os.Exit(1)
		return nil
	}
}
