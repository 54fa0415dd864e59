package memstore

import (
	"time"

	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Sample client and upload ids used by the demo dataset.
const (
	SampleClient      = "acme"
	SampleOtherClient = "globex"
)

// SampleStart is the first charge day of the demo dataset. The dataset spans
// 14 days: a previous week and a current week.
var SampleStart = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

// SampleDataset builds a small two-tenant dataset used by `kcx report --sample`.
//
// For client acme, week one (Mar 1-7) and week two (Mar 8-14) differ by:
// EC2 expanding, S3 eliminated, Azure VMs newly appearing, a zombie instance
// dropping to zero, and a refund row that must never count as spend.
func SampleDataset() Dataset {
	d := Dataset{
		Providers: []models.DimensionReference{{Key: 1, Name: "AWS"}, {Key: 2, Name: "Azure"}},
		Services: []models.DimensionReference{
			{Key: 10, Name: "Amazon EC2"},
			{Key: 11, Name: "Amazon S3"},
			{Key: 20, Name: "Virtual Machines"},
		},
		Regions: []models.DimensionReference{
			{Key: 100, Name: "us-east-1"},
			{Key: 101, Name: "eu-west-1"},
			{Key: 200, Name: "westeurope"},
		},
		Uploads: []models.Upload{
			{ID: "u-acme-1", ClientID: SampleClient, UploadedAt: SampleStart.AddDate(0, 0, 7), Status: "completed"},
			{ID: "u-acme-2", ClientID: SampleClient, UploadedAt: SampleStart.AddDate(0, 0, 14), Status: "completed"},
			{ID: "u-globex-1", ClientID: SampleOtherClient, UploadedAt: SampleStart.AddDate(0, 0, 14), Status: "completed"},
		},
	}

	ec2Tags := map[string]string{"environment": "prod", "OWNER": "alice", "application": "web"}

	for i := 0; i < 14; i++ {
		day := SampleStart.AddDate(0, 0, i)
		upload := "u-acme-1"
		if i >= 7 {
			upload = "u-acme-2"
		}

		ec2Cost, ec2List, ec2Eff := 10.0, 12.0, 9.0
		if i >= 7 {
			ec2Cost, ec2List, ec2Eff = 20, 24, 18
		}
		d.Facts = append(d.Facts, fact(upload, 1, 10, 100, "i-1", "ec2-m5", day, ec2Cost, ec2List, ec2Eff, 10, ec2Tags))

		if i < 7 {
			d.Facts = append(d.Facts, fact(upload, 1, 11, 101, "bucket-1", "s3-std", day, 5, 5, 5, 50,
				map[string]string{"environment": "dev"}))
		}

		switch {
		case i == 6:
			d.Facts = append(d.Facts, fact(upload, 2, 20, 200, "vm-1", "vm-d2", day, 0, 0, 0, 0, map[string]string{"environment": "prod"}))
		case i >= 7 && i < 13:
			d.Facts = append(d.Facts, fact(upload, 2, 20, 200, "vm-1", "vm-d2", day, 8, 8, 8, 4, map[string]string{"environment": "prod"}))
		case i == 13:
			d.Facts = append(d.Facts, fact(upload, 2, 20, 200, "vm-1", "vm-d2", day, 20, 20, 20, 10, map[string]string{"environment": "prod"}))
		}

		zombie := 0.0
		if i < 4 {
			zombie = 3
		}
		d.Facts = append(d.Facts, fact(upload, 1, 10, 100, "i-zombie", "ec2-m5", day, zombie, zombie, zombie, zombie, ec2Tags))

		d.Facts = append(d.Facts, fact("u-globex-1", 1, 10, 100, "i-globex", "ec2-m5", day, 1000, 1000, 1000, 100, nil))
	}

	// Refund on Mar 10; excluded from every spend figure.
	d.Facts = append(d.Facts, fact("u-acme-2", 1, 10, 100, "i-1", "ec2-m5", SampleStart.AddDate(0, 0, 9), -50, -50, -50, 0, ec2Tags))

	return d
}

func fact(upload string, provider, service, region int64, resource, sku string, day time.Time, billed, list, effective, qty float64, tags map[string]string) models.BillingFact {
	return models.BillingFact{
		UploadID:          upload,
		ProviderKey:       provider,
		ServiceKey:        service,
		RegionKey:         region,
		ResourceID:        resource,
		SkuID:             sku,
		BilledCost:        billed,
		EffectiveCost:     effective,
		ListCost:          list,
		ContractedCost:    effective,
		ConsumedQuantity:  qty,
		PricingQuantity:   qty,
		ChargePeriodStart: day,
		ChargePeriodEnd:   day.Add(24 * time.Hour),
		Tags:              tags,
	}
}
