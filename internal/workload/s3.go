// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package workload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http2"
)

const (
	// Object metadata keys. S3 returns them canonicalized, so they are
	// compared case insensitively.
	metaDigest   = "Digest"
	metaEncoding = "Encoding"

	encodingZstd = "zstd"
)

var ErrDigestMismatch = errors.New("workload image digest mismatch")

// S3Store keeps the image as one object in an S3 bucket. The xxhash64
// digest of the raw image is stored in the object metadata and checked on
// every download.
type S3Store struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
	key        string
	compress   bool
}

// Options to use in NewS3() due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type S3Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Object key of the image.
	Key string

	// Store the image compressed with zstd.
	Compress bool
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func NewS3(o S3Options) (*S3Store, error) {
	s := &S3Store{
		bucket:   o.Bucket,
		key:      o.Key,
		compress: o.Compress,
	}

	// The image is one megabyte at most, there is nothing to gain from
	// many idle connections.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  4,
		maxHostIdleConns: 2,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// Open downloads the whole image and verifies it.
func (s *S3Store) Open() (io.ReadCloser, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})

	if err != nil {
		var rf awserr.RequestFailure
		if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, s.key, fs.ErrNotExist)
		}
		return nil, err
	}

	buf := aws.NewWriteAtBuffer(make([]byte, 0, aws.Int64Value(head.ContentLength)))
	_, err = s.downloader.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})

	if err != nil {
		return nil, err
	}

	image, err := decodeImage(buf.Bytes(), head.Metadata)
	if err != nil {
		return nil, err
	}

	return ioutil.NopCloser(bytes.NewReader(image)), nil
}

// Create returns a writer collecting the image in memory. The image is
// uploaded by Close.
func (s *S3Store) Create() (io.WriteCloser, error) {
	return &upload{store: s}, nil
}

func (s *S3Store) upload(image []byte) error {
	body, meta, err := encodeImage(image, s.compress)
	if err != nil {
		return err
	}

	_, err = s.uploader.Upload(&s3manager.UploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		Body:     bytes.NewReader(body),
		Metadata: meta,
	})

	return err
}

type upload struct {
	store *S3Store
	buf   bytes.Buffer
}

func (u *upload) Write(p []byte) (int, error) {
	return u.buf.Write(p)
}

func (u *upload) Close() error {
	return u.store.upload(u.buf.Bytes())
}

// Returns the object body and metadata for the raw image.
func encodeImage(image []byte, compress bool) ([]byte, map[string]*string, error) {
	meta := map[string]*string{
		metaDigest: aws.String(strconv.FormatUint(xxhash.Sum64(image), 16)),
	}

	if !compress {
		return image, meta, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, err
	}
	defer enc.Close()

	meta[metaEncoding] = aws.String(encodingZstd)

	return enc.EncodeAll(image, nil), meta, nil
}

// Returns the raw image from the object body and metadata. The digest is
// checked only if present.
func decodeImage(body []byte, meta map[string]*string) ([]byte, error) {
	image := body

	if metaValue(meta, metaEncoding) == encodingZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()

		image, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, err
		}
	}

	if want := metaValue(meta, metaDigest); want != "" {
		got := strconv.FormatUint(xxhash.Sum64(image), 16)
		if got != want {
			return nil, fmt.Errorf("%w: stored %s, computed %s", ErrDigestMismatch, want, got)
		}
	}

	return image, nil
}

func metaValue(meta map[string]*string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return aws.StringValue(v)
		}
	}

	return ""
}
