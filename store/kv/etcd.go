package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	etcd "go.etcd.io/etcd/client/v2"

	"github.com/gantryci/gantry/util"
)

var kvLog = util.NewContextLogger("store/kv")

// etcdClient holds the etcd keys API instance
type etcdClient struct {
	client etcd.KeysAPI
}

// NewEtcdClient instantiates and establishes connection to etcd
func NewEtcdClient(cacert, cert, key string, addresses ...string) (KVClient, error) {
	config, err := createKvConfig(cacert, cert, key, addresses)
	log := kvLog.InFunc("NewEtcdClient")

	if err != nil {
		log.WithError(err).Error("unable to create etcd client config")
		return nil, err
	}

	etc, err := etcd.New(*config)
	if err != nil {
		log.WithError(err).Error("unable to create kvclient.")
		return nil, err
	}

	return &etcdClient{etcd.NewKeysAPI(etc)}, nil
}

func (kv *etcdClient) Put(key, value string) error {
	_, err := kv.client.Set(context.Background(), key, value, &etcd.SetOptions{})
	return err
}

func (kv *etcdClient) Get(key string) (string, error) {
	res, err := kv.client.Get(context.Background(), key, &etcd.GetOptions{Quorum: true})
	if err != nil {
		return "", err
	}
	return res.Node.Value, nil
}

func (kv *etcdClient) PutInt(key string, value int) error {
	return kv.Put(key, formatInt(value))
}

func (kv *etcdClient) GetInt(key string) (int, error) {
	val, err := kv.Get(key)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(val)
}

func (kv *etcdClient) GetDir(key string) ([]*KVPair, error) {
	getOpts := &etcd.GetOptions{
		Quorum:    true,
		Recursive: true,
		Sort:      true,
	}

	res, err := kv.client.Get(context.Background(), key, getOpts)
	if err != nil {
		return nil, err
	}

	kvpair := []*KVPair{}
	for _, n := range res.Node.Nodes {
		kvpair = append(kvpair, &KVPair{
			Key:       n.Key,
			Value:     []byte(n.Value),
			LastIndex: n.ModifiedIndex,
		})
	}
	return kvpair, nil
}

func (kv *etcdClient) PutDir(key string) error {
	_, err := kv.client.Set(context.Background(), key, "", &etcd.SetOptions{Dir: true})
	return err
}

func (kv *etcdClient) DeleteTree(key string) error {
	_, err := kv.client.Delete(context.Background(), key, &etcd.DeleteOptions{Recursive: true})
	return err
}

func createKvConfig(cacert, cert, key string, addresses []string) (*etcd.Config, error) {
	scheme := "http"
	config := &etcd.Config{
		Transport:               etcd.DefaultTransport,
		HeaderTimeoutPerRequest: 5 * time.Second,
	}

	if cacert != "" || cert != "" || key != "" {
		ca, err := loadCa(cacert)
		if err != nil {
			return nil, err
		}

		c, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}

		scheme = "https"
		setTLS(config, c, ca)
	}

	endpoints := make([]string, len(addresses))
	for i, addr := range addresses {
		endpoints[i] = scheme + "://" + addr
	}
	config.Endpoints = endpoints

	return config, nil
}

func loadCa(cacert string) (*x509.CertPool, error) {
	if cacert != "" {
		capem, err := os.ReadFile(cacert)
		if err != nil {
			return nil, err
		}

		if ca := x509.NewCertPool(); ca.AppendCertsFromPEM(capem) {
			return ca, nil
		}
	}

	return nil, errors.New("unable to load certificate authority")
}

func setTLS(config *etcd.Config, c tls.Certificate, ca *x509.CertPool) {
	tlsCfg := &tls.Config{
		RootCAs:      ca,
		Certificates: []tls.Certificate{c},
	}

	config.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
}
