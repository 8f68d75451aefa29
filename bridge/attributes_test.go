package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
)

func newTestPelionClient(t *testing.T, handler http.Handler) *pelion.Client {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.MDSAddress = u.Hostname()
	cfg.MDSPort = port
	cfg.APIKey = "testkey"

	hc := transport.NewClient(transport.WithHTTPClient(srv.Client()))
	return pelion.NewClient(cfg, hc, common.Discard)
}

func TestAttributeRetriever_Disabled(t *testing.T) {
	t.Parallel()

	a := NewAttributeRetriever(nil, []string{"/3/0/0"}, false, common.Discard)
	record := NewDeviceRecord("dev1", "light")

	completed := false
	a.Retrieve(context.Background(), record, func(r *DeviceRecord) {
		completed = true
		if r.Meta[MetaManufacturer] != DefaultManufacturer {
			t.Errorf("manufacturer = %q", r.Meta[MetaManufacturer])
		}
	})
	if !completed {
		t.Fatal("disabled retriever did not complete synchronously")
	}
}

func TestAttributeRetriever_SkipsWithoutDeviceInfo(t *testing.T) {
	t.Parallel()

	// nil client: any attempted GET would panic
	a := NewAttributeRetriever(nil, []string{"/3/0/0"}, true, common.Discard)
	record := NewDeviceRecord("dev1", "light")
	record.Resources = []pelion.Resource{{Path: "/3303/0/5700"}}

	completed := false
	a.Retrieve(context.Background(), record, func(*DeviceRecord) { completed = true })
	if !completed {
		t.Fatal("device without /3/0 did not complete immediately")
	}
}

func TestAttributeRetriever_FillsMetadata(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	values := map[string]string{
		"/v2/endpoints/dev1/3/0/0": "Acme",
		"/v2/endpoints/dev1/3/0/1": "thermostat-9",
		"/v2/endpoints/dev1/3/0/2": "SN-0042",
	}
	client := newTestPelionClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, ok := values[r.URL.Path]
		if !ok {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, v)
	}))

	a := NewAttributeRetriever(client, []string{"/3/0/0", "/3/0/1", "/3/0/2"}, true, common.Discard)
	record := NewDeviceRecord("dev1", "light")

	done := make(chan *DeviceRecord, 1)
	a.Retrieve(context.Background(), record, func(r *DeviceRecord) { done <- r })
	got := <-done
	a.Wait()

	if got.Meta[MetaManufacturer] != "Acme" {
		t.Errorf("manufacturer = %q", got.Meta[MetaManufacturer])
	}
	if got.Meta[MetaModel] != "thermostat-9" {
		t.Errorf("model = %q", got.Meta[MetaModel])
	}
	if got.Meta[MetaSerial] != "SN-0042" {
		t.Errorf("serial = %q", got.Meta[MetaSerial])
	}
}

func TestAttributeRetriever_KeepsDefaultsOnFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	client := newTestPelionClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	a := NewAttributeRetriever(client, []string{"/3/0/0"}, true, common.Discard)
	record := NewDeviceRecord("dev1", "light")

	done := make(chan *DeviceRecord, 1)
	a.Retrieve(context.Background(), record, func(r *DeviceRecord) { done <- r })
	got := <-done
	a.Wait()

	if got.Meta[MetaManufacturer] != DefaultManufacturer {
		t.Errorf("manufacturer = %q, want stock default", got.Meta[MetaManufacturer])
	}
}

func TestAttributeRetriever_AtMostOnePerDevice(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	release := make(chan struct{})
	client := newTestPelionClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, "Acme")
	}))

	a := NewAttributeRetriever(client, []string{"/3/0/0"}, true, common.Discard)
	record := NewDeviceRecord("dev1", "light")

	completions := make(chan struct{}, 2)
	complete := func(*DeviceRecord) { completions <- struct{}{} }

	a.Retrieve(context.Background(), record, complete)
	a.Retrieve(context.Background(), record, complete) // dropped: already in flight
	close(release)
	a.Wait()

	if got := len(completions); got != 1 {
		t.Errorf("completions = %d, want 1", got)
	}
}
