package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"depot-go/internal/depot"
)

// DefaultPresignTTL is how long a presigned chunk URL stays valid.
const DefaultPresignTTL = time.Hour

// S3Options configures an S3Vault.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty for S3-compatible services; enables path-style addressing
	AccessKeyID     string // empty uses the default AWS credential chain
	SecretAccessKey string
	PresignTTL      time.Duration
	PublicURL       string // when set, chunk URLs point at the depot HTTP endpoint instead of presigned URLs
}

// S3Vault stores chunks and manifests as objects:
//
//	<prefix>/chunks/<fileId>_<index>
//	<prefix>/manifests/<fileId>.json
//
// Chunk URLs are presigned GET URLs so clients fetch directly from the bucket.
type S3Vault struct {
	name      string
	opts      S3Options
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
}

// NewS3Vault creates an S3-backed vault.
func NewS3Vault(ctx context.Context, name string, opts S3Options) (*S3Vault, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Vault{
		name:      name,
		opts:      opts,
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
	}, nil
}

func (v *S3Vault) chunkKey(id string) string {
	return path.Join(v.opts.Prefix, "chunks", id)
}

func (v *S3Vault) manifestKey(fileID string) string {
	return path.Join(v.opts.Prefix, "manifests", fileID+manifestExt)
}

func (v *S3Vault) put(key string, r io.Reader, size int64) error {
	ctx := context.Background()
	cr := &countingReader{r: r}

	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.opts.Bucket),
		Key:    aws.String(key),
		Body:   cr,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	if cr.n != size {
		if _, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(v.opts.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d (cleanup failed: %v)", size, cr.n, err)
		}
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	return nil
}

func (v *S3Vault) get(key string, w io.Writer, what string) error {
	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%s: %w", what, depot.ErrNotFound)
		}
		return fmt.Errorf("downloading %s: %w", what, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", what, err)
	}
	return nil
}

func (v *S3Vault) PutChunk(id string, r io.Reader, size int64) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	return v.put(v.chunkKey(id), r, size)
}

func (v *S3Vault) GetChunk(id string, w io.Writer) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	return v.get(v.chunkKey(id), w, "chunk "+id)
}

func (v *S3Vault) DeleteChunk(id string) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	_, err := v.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(v.opts.Bucket),
		Key:    aws.String(v.chunkKey(id)),
	})
	if err != nil {
		return fmt.Errorf("deleting chunk %s: %w", id, err)
	}
	return nil
}

// ChunkURL presigns a GET for the chunk object. Presigning is local; it does
// not contact S3.
func (v *S3Vault) ChunkURL(id string) (string, error) {
	if err := ValidateName("chunk", id); err != nil {
		return "", err
	}
	if v.opts.PublicURL != "" {
		return chunkHTTPURL(v.opts.PublicURL, id), nil
	}

	req, err := v.presigner.PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.opts.Bucket),
		Key:    aws.String(v.chunkKey(id)),
	}, s3.WithPresignExpires(v.opts.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presigning chunk %s: %w", id, err)
	}
	return req.URL, nil
}

func (v *S3Vault) PutManifest(fileID string, r io.Reader, size int64) error {
	if err := ValidateName("manifest", fileID); err != nil {
		return err
	}
	return v.put(v.manifestKey(fileID), r, size)
}

func (v *S3Vault) GetManifest(fileID string, w io.Writer) error {
	if err := ValidateName("manifest", fileID); err != nil {
		return err
	}
	return v.get(v.manifestKey(fileID), w, "manifest "+fileID)
}

func (v *S3Vault) ListManifests() ([]string, error) {
	prefix := path.Join(v.opts.Prefix, "manifests") + "/"
	p := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.opts.Bucket),
		Prefix: aws.String(prefix),
	})

	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("listing manifests: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, manifestExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, manifestExt))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateSetup checks that the bucket exists and is reachable with the configured credentials.
func (v *S3Vault) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(v.opts.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.opts.Bucket, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ depot.Vault = (*S3Vault)(nil)
